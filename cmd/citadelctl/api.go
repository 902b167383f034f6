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
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/citadel-firmware/citadel-boot/api"
	"github.com/citadel-firmware/citadel-boot/internal/diag"
	"github.com/citadel-firmware/citadel-boot/internal/image"
)

// we use 64 as a safe guess for gob wire overhead
const maxChunkSize = api.MaxMessageSize - 64

func parseResponse(buf []byte) (err error) {
	res := &api.Response{}

	if err = api.Unmarshal(buf, res); err != nil {
		return
	}

	if res.Error != api.Success {
		return fmt.Errorf("%v: %s", res.Error, res.Payload)
	}

	return
}

func status() (s *api.Status, err error) {
	buf, err := conf.dev.Command(api.U2FHID_CITADEL_STATUS, nil)

	if err != nil {
		return
	}

	s = &api.Status{}
	err = api.Unmarshal(buf, s)

	return
}

func diagLog() (err error) {
	buf, err := conf.dev.Command(api.U2FHID_CITADEL_LOG, nil)

	if err != nil {
		return
	}

	msg := &api.LogEntries{}

	// An error reply is a Response rather than LogEntries, the gob
	// stream is type tagged so decoding tells the two apart.
	if err = api.Unmarshal(buf, msg); err != nil {
		if resErr := parseResponse(buf); resErr != nil {
			return resErr
		}

		return
	}

	if len(msg.Entries) == 0 {
		log.Print("diagnostic log is empty")
		return
	}

	for _, e := range msg.Entries {
		log.Printf("%8dms  %-20s code:%#04x context:%#010x",
			e.Timestamp, diag.EventType(e.Event), e.Code, e.Context)
	}

	return
}

func update(p string) (err error) {
	pkg, err := os.ReadFile(p)

	if err != nil {
		return
	}

	if len(pkg) < image.HeaderSize {
		return errors.New("invalid update package, missing header")
	}

	hdrRaw := pkg[0:image.HeaderSize]
	data := pkg[image.HeaderSize:]

	hdr, err := image.ParseHeader(hdrRaw)

	if err != nil {
		return fmt.Errorf("invalid update package, %v", err)
	}

	if len(data) == 0 {
		return errors.New("invalid update package, missing payload")
	}

	total := uint32((len(data) + maxChunkSize - 1) / maxChunkSize)

	log.Printf("sending firmware update %v to the bootloader (%d bytes, %d chunks)", hdr.Version, len(data), total)

	// the opening message carries the image header and chunk count
	msg := &api.Update{
		Total:  total,
		Header: hdrRaw,
	}

	if err = send(msg); err != nil {
		return
	}

	bar := pb.StartNew(int(total))
	defer bar.Finish()

	for seq, off := uint32(1), 0; off < len(data); seq++ {
		n := off + maxChunkSize

		if n > len(data) {
			n = len(data)
		}

		msg = &api.Update{
			Total: total,
			Seq:   seq,
			Data:  data[off:n],
		}

		if err = send(msg); err != nil {
			return
		}

		bar.Increment()
		off = n

		// do not overload the USB endpoint
		time.Sleep(10 * time.Millisecond)
	}

	log.Print("firmware update sent, the bootloader verifies and stages it in the background")

	return
}

func send(msg *api.Update) (err error) {
	buf, err := conf.dev.Command(api.U2FHID_CITADEL_UPDATE, msg.Bytes())

	if err != nil {
		return
	}

	return parseResponse(buf)
}
