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
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/citadel-firmware/citadel-boot/internal/hwcrc"
	"github.com/citadel-firmware/citadel-boot/internal/image"
	"github.com/citadel-firmware/citadel-boot/internal/keywrap"
)

// provision builds the security block flashed at factory time, binding
// the master key to a single device and embedding the firmware
// verification public key.
func provision(conf *Config) (err error) {
	if len(conf.outputFile) == 0 {
		return errors.New("output file must be specified (flag: -output_file)")
	}

	hwid, err := hex.DecodeString(conf.hwid)

	if err != nil {
		return fmt.Errorf("invalid device identifier, %v", err)
	}

	master, iv, err := loadSecrets(conf)

	if err != nil {
		return
	}

	key, err := loadSigningKey(conf.signKeyFile)

	if err != nil {
		return
	}

	pub, err := image.EncodePublicKey(&key.PublicKey)

	if err != nil {
		return
	}

	blk := &keywrap.Block{}

	if blk.WrappedKey, err = keywrap.Wrap(hwid, master, iv); err != nil {
		return
	}

	copy(blk.IV[:], iv)
	copy(blk.PublicKey[:], pub)

	if err = os.WriteFile(conf.outputFile, blk.Encode(), 0600); err != nil {
		return
	}

	log.Printf("security block for device %s written to %s", conf.hwid, conf.outputFile)

	if len(conf.bootFile) > 0 {
		var bl []byte

		if bl, err = os.ReadFile(conf.bootFile); err != nil {
			return
		}

		log.Printf("bootloader checksum word: %#.8x", hwcrc.Checksum(bl))
	}

	return
}
