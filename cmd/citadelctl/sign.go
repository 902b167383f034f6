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
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/citadel-firmware/citadel-boot/internal/image"
	"github.com/citadel-firmware/citadel-boot/internal/keywrap"
)

// signPackage builds a firmware update package, the signed image header
// followed by the CBC encrypted payload.
func signPackage(conf *Config) (err error) {
	if len(conf.payloadFile) == 0 || len(conf.outputFile) == 0 {
		return errors.New("payload and output files must be specified (flags: -payload_file -output_file)")
	}

	payload, err := os.ReadFile(conf.payloadFile)

	if err != nil {
		return
	}

	version, err := image.ParseVersion(conf.version)

	if err != nil {
		return
	}

	entry, err := strconv.ParseUint(conf.entry, 0, 32)

	if err != nil {
		return fmt.Errorf("invalid entry address %q, %v", conf.entry, err)
	}

	key, err := loadSigningKey(conf.signKeyFile)

	if err != nil {
		return
	}

	master, iv, err := loadSecrets(conf)

	if err != nil {
		return
	}

	hdr, err := image.Sign(payload, version, uint32(entry), key)

	if err != nil {
		return
	}

	ct, err := encryptPayload(payload, master, iv)

	if err != nil {
		return
	}

	pkg := append(hdr.Encode(), ct...)

	if err = os.WriteFile(conf.outputFile, pkg, 0600); err != nil {
		return
	}

	log.Printf("signed firmware %v (%d payload bytes) to %s", version, len(payload), conf.outputFile)

	return
}

// encryptPayload applies PKCS#7 padding and CBC encryption, the
// transport format the bootloader expects for firmware payloads.
func encryptPayload(payload, key, iv []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)

	if err != nil {
		return nil, err
	}

	pad := aes.BlockSize - len(payload)%aes.BlockSize

	pt := make([]byte, 0, len(payload)+pad)
	pt = append(pt, payload...)

	for i := 0; i < pad; i++ {
		pt = append(pt, byte(pad))
	}

	ct := make([]byte, len(pt))
	cipher.NewCBCEncrypter(c, iv).CryptBlocks(ct, pt)

	return ct, nil
}

func loadSigningKey(p string) (*ecdsa.PrivateKey, error) {
	if len(p) == 0 {
		return nil, errors.New("signing key must be specified (flag: -sign_key)")
	}

	pemBytes, err := os.ReadFile(p)

	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)

	if block == nil {
		return nil, errors.New("invalid signing key, no PEM block found")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)

	if err != nil {
		return nil, fmt.Errorf("invalid signing key, %v", err)
	}

	ec, ok := key.(*ecdsa.PrivateKey)

	if !ok {
		return nil, errors.New("signing key is not an ECDSA key")
	}

	return ec, nil
}

func loadSecrets(conf *Config) (master []byte, iv []byte, err error) {
	if len(conf.masterKeyFile) == 0 || len(conf.ivFile) == 0 {
		return nil, nil, errors.New("master key and IV files must be specified (flags: -master_key -iv_file)")
	}

	if master, err = os.ReadFile(conf.masterKeyFile); err != nil {
		return
	}

	if len(master) != keywrap.KeyLen {
		return nil, nil, fmt.Errorf("master key must be %d bytes, got %d", keywrap.KeyLen, len(master))
	}

	if iv, err = os.ReadFile(conf.ivFile); err != nil {
		return
	}

	if len(iv) != keywrap.IVLen {
		return nil, nil, fmt.Errorf("initialization vector must be %d bytes, got %d", keywrap.IVLen, len(iv))
	}

	return
}
