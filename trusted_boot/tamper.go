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

//go:build tamago && tamper
// +build tamago,tamper

package main

import (
	"runtime"

	"github.com/usbarmory/tamago/soc/nxp/caam"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/snvs"
)

// The tamper build hardens the secure state check performed at the top
// of each boot episode (see secure() in main.go): rather than having
// violations observed at the next boot, the SNVS hard fails the SoC the
// moment one is raised, and the CAAM run time integrity checker watches
// the bootloader text region for modification while it runs.

func init() {
	if imx6ul.Native && imx6ul.SNVS.Available() {
		armTamperPolicy()
	}

	if imx6ul.CAAM != nil {
		_ = watchTextRegion()
	}
}

// armTamperPolicy sets a strict SNVS policy with immediate hard fail on
// any security violation.
func armTamperPolicy() {
	imx6ul.SNVS.SetPolicy(snvs.SecurityPolicy{
		Clock:             true,
		Temperature:       true,
		Voltage:           true,
		SecurityViolation: true,
		HardFail:          true,
		HAC:               0,
	})
}

// watchTextRegion enables the CAAM RTIC on the bootloader text region.
func watchTextRegion() error {
	textStart, textEnd := runtime.TextRegion()

	return imx6ul.CAAM.EnableRTIC([]caam.MemoryBlock{{
		Address: textStart,
		Length:  textEnd - textStart,
	}})
}
