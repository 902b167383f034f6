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

//go:build tamago
// +build tamago

package main

import (
	"fmt"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/crucible/otp"
)

const (
	// OCOTP bank and word of the configuration fuses extending the
	// SoC unique ID into the device identifier.
	idFuseBank = 0
	idFuseWord = 3
)

// deviceID returns the identifier the wrapped master key is bound to,
// the SoC unique ID extended with the configuration fuse word.
func deviceID() ([]byte, error) {
	uid := imx6ul.UniqueID()
	id := append([]byte{}, uid[:]...)

	if !imx6ul.Native {
		// emulated targets have no fuse box
		return append(id, []byte("sim0")...), nil
	}

	cfg, err := otp.ReadOCOTP(idFuseBank, idFuseWord, 0, 32)

	if err != nil {
		return nil, fmt.Errorf("could not read configuration fuses, %v", err)
	}

	return append(id, cfg...), nil
}
