// Copyright 2024 The Citadel Boot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !tamago && cgo
// +build !tamago,cgo

package main

import (
	"github.com/flynn/hid"
	"github.com/flynn/u2f/u2fhid"

	"github.com/citadel-firmware/citadel-boot/api"
)

func detectU2F() (dev *u2fhid.Device, err error) {
	devices, err := hid.Devices()

	if err != nil {
		return
	}

	for _, d := range devices {
		if d.UsagePage != api.HIDUsagePage {
			continue
		}

		if d.VendorID == api.VendorID && d.ProductID == api.ProductID {
			dev, err = u2fhid.Open(d)
			break
		}
	}

	return
}
