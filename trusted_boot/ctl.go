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
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/usb"

	"github.com/citadel-firmware/citadel-boot/api"
	"github.com/citadel-firmware/citadel-boot/internal/boot"
	"github.com/citadel-firmware/citadel-boot/internal/diag"
	"github.com/citadel-firmware/citadel-boot/internal/flash"
	"github.com/citadel-firmware/citadel-boot/internal/image"
)

type controlInterface struct {
	sync.Mutex

	Device  *usb.Device
	Manager *boot.Manager
	Log     *diag.Log

	ota      *otaBuffer
	out      *boot.Outcome
	updating bool
}

// otaBuffer accumulates a chunked firmware update transaction, the
// header received with the first message and the ciphertext that
// follows it.
type otaBuffer struct {
	total uint32
	seq   uint32
	hdr   []byte
	buf   []byte
}

// done publishes the boot outcome, which opens the slot touching
// control operations for recovery and forensics.
func (ctl *controlInterface) done(out boot.Outcome) {
	ctl.Lock()
	defer ctl.Unlock()

	ctl.out = &out
}

func (ctl *controlInterface) getStatus() (s *api.Status) {
	s = &api.Status{
		Serial:   fmt.Sprintf("%X", imx6ul.UniqueID()),
		Build:    Build,
		Revision: Revision,
		Version:  Version,
		Runtime:  fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}

	state := ctl.Manager.State()

	s.State = state.String()
	s.Locked = state == boot.StateLockdown

	// The boot medium is off limits while the boot episode or an
	// update transaction is driving it.
	if ctl.out == nil || ctl.updating {
		return
	}

	if ctl.out.Transferred {
		s.ActiveSlot = ctl.out.Slot.String()
	}

	if hdr, err := ctl.installedHeader(); err == nil {
		s.InstalledVersion = hdr.Version.String()
	}

	return
}

// installedHeader parses the primary slot header, without verifying the
// image it describes.
func (ctl *controlInterface) installedHeader() (*image.Header, error) {
	region, err := ctl.Manager.Layout.Slot(flash.Primary)

	if err != nil {
		return nil, err
	}

	raw, err := ctl.Manager.Device.Read(region.Offset, image.HeaderSize)

	if err != nil {
		return nil, err
	}

	return image.ParseHeader(raw)
}

func (ctl *controlInterface) HandleMessage(_ []byte) (_ []byte) {
	return
}

// Status is the handler for U2FHID_CITADEL_STATUS requests.
func (ctl *controlInterface) Status(_ []byte) (res []byte) {
	ctl.Lock()
	defer ctl.Unlock()

	return ctl.getStatus().Bytes()
}

// DiagLog is the handler for U2FHID_CITADEL_LOG requests, it returns
// the diagnostic event log.
func (ctl *controlInterface) DiagLog(_ []byte) (res []byte) {
	ctl.Lock()
	defer ctl.Unlock()

	if ctl.out == nil || ctl.updating {
		return api.ErrorResponse(errors.New("boot medium busy"))
	}

	entries, err := ctl.Log.Entries()

	if err != nil {
		return api.ErrorResponse(err)
	}

	msg := &api.LogEntries{}

	for _, e := range entries {
		msg.Entries = append(msg.Entries, api.LogEntry{
			Timestamp: e.Timestamp,
			Event:     uint32(e.Event),
			Code:      uint8(e.Code),
			Context:   e.Context,
		})
	}

	return msg.Bytes()
}

// Update is the handler for U2FHID_CITADEL_UPDATE requests, which carry
// a firmware update transaction in chunks.
func (ctl *controlInterface) Update(req []byte) (res []byte) {
	var err error

	defer func() {
		if err != nil {
			log.Printf("TB firmware update error, %v", err)
			res = api.ErrorResponse(err)
		} else {
			res = api.EmptyResponse()
		}
	}()

	update := &api.Update{}

	if err = api.Unmarshal(req, update); err != nil {
		return
	}

	ctl.Lock()
	defer ctl.Unlock()

	if ctl.out == nil {
		err = errors.New("boot in progress")
		return
	}

	if ctl.updating {
		err = errors.New("update already in progress")
		return
	}

	region, err := ctl.Manager.Layout.Slot(flash.Update)

	if err != nil {
		return
	}

	if update.Seq == 0 {
		if _, err = image.ParseHeader(update.Header); err != nil {
			return
		}

		ctl.ota = &otaBuffer{
			total: update.Total,
			hdr:   update.Header,
		}

		log.Printf("TB starting firmware update (%d chunks)", ctl.ota.total)
		return
	} else if ctl.ota == nil ||
		update.Seq != ctl.ota.seq+1 ||
		update.Total != ctl.ota.total {

		err = errors.New("invalid firmware update sequence")
		return
	}

	if int64(len(ctl.ota.buf)+len(update.Data)) > region.Size {
		err = errors.New("size limit exceeded")
		ctl.ota = nil
		return
	}

	ctl.ota.seq = update.Seq
	ctl.ota.buf = append(ctl.ota.buf, update.Data...)

	if ctl.ota.seq%100 == 0 {
		log.Printf("TB received %d/%d firmware update chunks", ctl.ota.seq, ctl.ota.total)
	}

	if ctl.ota.seq == ctl.ota.total {
		log.Printf("TB received all %d firmware update chunks", ctl.ota.total)

		ctl.updating = true

		go ctl.apply(ctl.ota.hdr, ctl.ota.buf)

		ctl.ota = nil
	}

	return
}

// apply stages a complete update transaction through the boot manager.
func (ctl *controlInterface) apply(hdr []byte, buf []byte) {
	// avoid USB control interface timeout
	time.Sleep(500 * time.Millisecond)

	blink, cancel := blinkenLights()
	defer cancel()
	go blink()

	err := ctl.Manager.UpdateFirmware(hdr, buf)

	ctl.Lock()
	defer ctl.Unlock()

	ctl.updating = false

	if err != nil {
		log.Printf("TB firmware update error, %v", err)
	}
}

func blinkenLights() (func(), func()) {
	var exit = make(chan bool)
	cancel := func() { close(exit) }

	blink := func() {
		var on bool

		for {
			select {
			case <-exit:
				usbarmory.LED("white", false)
				return
			default:
			}

			on = !on
			usbarmory.LED("white", on)

			runtime.Gosched()
			time.Sleep(100 * time.Millisecond)
		}
	}

	return blink, cancel
}

func (ctl *controlInterface) Start() {
	device := &usb.Device{}
	serial := fmt.Sprintf("%X", imx6ul.UniqueID())

	if err := configureDevice(device, serial); err != nil {
		log.Fatal(err)
	}

	if err := configureHID(device, ctl); err != nil {
		log.Fatal(err)
	}

	if err := configureUART(device); err != nil {
		log.Fatal(err)
	}

	if Control == nil {
		return
	}

	Control.Device = device
	Control.DeviceMode()

	Control.EnableInterrupt(usb.IRQ_URI) // reset
	Control.EnableInterrupt(usb.IRQ_PCI) // port change detect
	Control.EnableInterrupt(usb.IRQ_UI)  // transfer completion
}

// service processes control interface events. It never returns and is
// the foreground task whenever no payload holds the CPU, interrupt
// delivery is not depended upon so that the interface stays reachable
// in every boot outcome.
func (ctl *controlInterface) service() {
	for {
		if Control != nil {
			Control.ServiceInterrupts()
		}

		runtime.Gosched()
	}
}
