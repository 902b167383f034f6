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
	"errors"
	"flag"
	"log"
	"os"

	"github.com/flynn/u2f/u2fhid"

	"github.com/citadel-firmware/citadel-boot/api"
)

type Config struct {
	dev *u2fhid.Device

	status bool
	diag   bool
	update string

	sign      bool
	provision bool

	payloadFile   string
	outputFile    string
	version       string
	entry         string
	signKeyFile   string
	masterKeyFile string
	ivFile        string
	hwid          string
	bootFile      string
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.BoolVar(&conf.status, "s", false, "get bootloader status")
	flag.BoolVar(&conf.diag, "l", false, "dump the diagnostic event log")
	flag.StringVar(&conf.update, "u", "", "send a firmware update package")

	flag.BoolVar(&conf.sign, "sign", false, "build a firmware update package")
	flag.BoolVar(&conf.provision, "provision", false, "build a security block for factory provisioning")

	flag.StringVar(&conf.payloadFile, "payload_file", "", "payload executable (sign)")
	flag.StringVar(&conf.outputFile, "output_file", "", "output file (sign, provision)")
	flag.StringVar(&conf.version, "version", "", "firmware version, four dotted components (sign)")
	flag.StringVar(&conf.entry, "entry", "", "payload entry address (sign)")
	flag.StringVar(&conf.signKeyFile, "sign_key", "", "ECDSA P-256 private key in PEM format (sign, provision)")
	flag.StringVar(&conf.masterKeyFile, "master_key", "", "master key file, 16 bytes (sign, provision)")
	flag.StringVar(&conf.ivFile, "iv_file", "", "CBC initialization vector file, 16 bytes (sign, provision)")
	flag.StringVar(&conf.hwid, "hwid", "", "target device identifier in hex (provision)")
	flag.StringVar(&conf.bootFile, "boot_file", "", "bootloader image to checksum (provision)")
}

func detect() (err error) {
	if conf.dev != nil {
		return
	}

	conf.dev, err = detectU2F()

	if err != nil {
		return
	}

	if conf.dev == nil {
		return errors.New("no device found")
	}

	return
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			log.Fatalf("fatal error, %s", err)
		}
	}()

	flag.Parse()

	switch {
	case conf.sign:
		err = signPackage(conf)
	case conf.provision:
		err = provision(conf)
	case conf.status:
		if err = detect(); err != nil {
			return
		}

		var s *api.Status

		if s, err = status(); err == nil {
			log.Print(s.Print())
		}
	case conf.diag:
		if err = detect(); err != nil {
			return
		}

		err = diagLog()
	case len(conf.update) > 0:
		if err = detect(); err != nil {
			return
		}

		err = update(conf.update)
	}
}
