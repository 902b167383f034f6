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

// Package api defines the control plane messages exchanged between the
// bootloader and its host tool over USB HID.
package api

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/gsora/fidati/u2fhid"
)

const (
	// http://pid.codes/1209/2702/
	VendorID  = 0x1209
	ProductID = 0x2702

	HIDUsagePage = 0xff00

	// Maximum Message size according to U2F HID standard (see formula in
	// [FIDO U2F // HID Protocol Specification, 2.4]).
	MaxMessageSize = 7609
)

// U2FHID vendor specific commands
const (
	// Status
	U2FHID_CITADEL_STATUS = iota + u2fhid.VendorCommandFirst
	// Diagnostic log export
	U2FHID_CITADEL_LOG
	// Firmware update
	U2FHID_CITADEL_UPDATE
)

// ErrorCode identifies the result of a control request.
type ErrorCode int

const (
	Success ErrorCode = iota
	GenericError
)

func (e ErrorCode) String() string {
	switch e {
	case Success:
		return "success"
	case GenericError:
		return "error"
	default:
		return fmt.Sprintf("code(%d)", int(e))
	}
}

// Response is the generic reply to a control request.
type Response struct {
	Error   ErrorCode
	Payload []byte
}

// Status reports the bootloader identity and pipeline state.
type Status struct {
	Serial           string
	Build            string
	Revision         string
	Version          string
	Runtime          string
	State            string
	ActiveSlot       string
	InstalledVersion string
	Locked           bool
}

// LogEntry is one diagnostic log record in export form.
type LogEntry struct {
	Timestamp uint32
	Event     uint32
	Code      uint8
	Context   uint32
}

// LogEntries is the diagnostic log export.
type LogEntries struct {
	Entries []LogEntry
}

// Update carries one firmware update message. The opening message
// (Seq 0) carries the signed image header and announces the chunk
// count, every following message carries one ciphertext chunk.
type Update struct {
	Total  uint32
	Seq    uint32
	Header []byte
	Data   []byte
}

var emptyResponse []byte

// ErrorResponse converts an error in an API Message.
func ErrorResponse(err error) []byte {
	msg := &Response{
		Error:   GenericError,
		Payload: []byte(err.Error()),
	}

	return msg.Bytes()
}

// EmptyResponse for when no relevant data is available.
func EmptyResponse() []byte {
	if len(emptyResponse) == 0 {
		emptyResponse = (&Response{}).Bytes()
	}

	return emptyResponse
}

// Unmarshal decodes a serialized API message.
func Unmarshal(buf []byte, msg any) error {
	return gob.NewDecoder(bytes.NewBuffer(buf)).Decode(msg)
}

func marshal(msg any) []byte {
	buf := &bytes.Buffer{}
	_ = gob.NewEncoder(buf).Encode(msg)

	return buf.Bytes()
}

// Bytes serializes an API message.
func (p *Response) Bytes() []byte {
	return marshal(p)
}

// Bytes serializes an API message.
func (p *Status) Bytes() []byte {
	return marshal(p)
}

// Bytes serializes an API message.
func (p *LogEntries) Bytes() []byte {
	return marshal(p)
}

// Bytes serializes an API message.
func (p *Update) Bytes() []byte {
	return marshal(p)
}

// Print returns the bootloader status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("--------------------------------------------------------- Citadel Boot ----\n")
	status.WriteString(fmt.Sprintf("Serial number ..........: %s\n", p.Serial))
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", p.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", p.Build))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", p.Version))
	status.WriteString(fmt.Sprintf("Runtime ................: %s\n", p.Runtime))
	status.WriteString(fmt.Sprintf("Boot state .............: %s\n", p.State))
	status.WriteString(fmt.Sprintf("Active slot ............: %s\n", p.ActiveSlot))
	status.WriteString(fmt.Sprintf("Installed version ......: %s\n", p.InstalledVersion))
	status.WriteString(fmt.Sprintf("Locked .................: %v", p.Locked))

	return status.String()
}
