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
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/citadel-firmware/citadel-boot/internal/flash"
	"github.com/citadel-firmware/citadel-boot/internal/rollback"
)

const (
	diversifierMAC = "CitadelRecordMAC"
	iter           = 4096
)

// rollbackStore opens the authenticated version record. Its MAC key is
// derived from the hardware secret, a record transplanted from another
// device fails authentication.
func rollbackStore(dev flash.Device, layout flash.Layout) (*rollback.Store, error) {
	var dk []byte
	var err error

	switch {
	case !imx6ul.Native:
		dk = []byte(diversifierMAC)
	case imx6ul.DCP != nil:
		dk, err = imx6ul.DCP.DeriveKey([]byte(diversifierMAC), make([]byte, aes.BlockSize), -1)

		if err != nil {
			return nil, fmt.Errorf("could not derive version record key, %v", err)
		}
	default:
		return nil, errors.New("no key derivation engine")
	}

	uid := imx6ul.UniqueID()

	return rollback.Open(dev, layout.Rollback, pbkdf2.Key(dk, uid[:], iter, sha256.Size, sha256.New))
}
