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
	"errors"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/coreos/go-semver/semver"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/citadel-firmware/citadel-boot/internal/boot"
	"github.com/citadel-firmware/citadel-boot/internal/diag"
	"github.com/citadel-firmware/citadel-boot/internal/flash"
)

// glitchDelay holds back the first trust decision past the reset
// window targeted by voltage glitching.
const glitchDelay = 100 * time.Millisecond

// initialized at compile time
var (
	Build    string
	Revision string
	Version  string
)

var (
	Storage Card
	Control = usbarmory.USB1
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	if _, err := semver.NewVersion(Version); err != nil {
		log.Fatalf("TB invalid firmware version %q, %v", Version, err)
	}

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)

		if imx6ul.DCP != nil {
			imx6ul.DCP.Init()
		}
	}

	imx6ul.GIC.Init(true, false)

	log.Printf("%s/%s (%s) • TEE trusted bootloader (Secure World system/monitor) • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)
}

func main() {
	var err error

	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	time.Sleep(glitchDelay)

	Storage = storage()

	if imx6ul.Native {
		if err = Storage.Detect(); err != nil {
			log.Fatalf("TB failed to detect storage, %v", err)
		}
	}

	dev, err := newCardDevice(Storage)

	if err != nil {
		log.Fatalf("TB failed to open boot medium, %v", err)
	}

	layout := flash.DefaultLayout()
	start := time.Now()

	diagLog, err := diag.Open(dev, layout.Log, func() uint32 {
		return uint32(time.Since(start).Milliseconds())
	})

	if err != nil {
		log.Fatalf("TB failed to open diagnostic log, %v", err)
	}

	hwid, err := deviceID()

	if err != nil {
		log.Fatalf("TB failed to read device identity, %v", err)
	}

	versions, err := rollbackStore(dev, layout)

	if err != nil {
		log.Fatalf("TB failed to open version record, %v", err)
	}

	mgr := &boot.Manager{
		Device:   dev,
		Layout:   layout,
		Crypto:   newCrypto(),
		Target:   &armTarget{},
		Versions: versions,
		Log:      diagLog,
		HWID:     hwid,
		Warn:     warn,
		Secure:   secure,
	}

	ctl := &controlInterface{
		Manager: mgr,
		Log:     diagLog,
	}

	// start USB control interface
	ctl.Start()

	out := mgr.Run()

	switch {
	case out.Err != nil:
		log.Printf("TB boot episode failed, %v", out.Err)
	case out.Transferred:
		log.Printf("TB payload returned, %v slot", out.Slot)
	}

	ctl.done(out)

	usbarmory.LED("blue", true)

	// never returns
	ctl.service()
}

// warn drives the low severity response, a visual indication that does
// not interrupt the boot episode.
func warn() {
	usbarmory.LED("white", true)
}

// secure verifies that the secure state machine backing all trust
// decisions is available before any of them is made.
func secure() error {
	if !imx6ul.Native {
		return nil
	}

	if !imx6ul.SNVS.Available() {
		return errors.New("SNVS not available, secure boot fusing required")
	}

	return nil
}
