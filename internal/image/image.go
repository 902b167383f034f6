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

// Package image implements the firmware image header format.
//
// A slot holds a fixed size header followed by the application payload.
// All header fields are little endian and the trailing checksum is
// CRC-32/MPEG-2 over the preceding fields, so a header can be rejected
// before any cryptographic work happens.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/citadel-firmware/citadel-boot/internal/hwcrc"
)

const (
	// Magic identifies a firmware header.
	Magic = 0xdeadbeef

	// HeaderSize is the on-flash size of an encoded header, checksum
	// and padding included. The payload starts at this offset within
	// a slot.
	HeaderSize = 256

	// HashSize is the length of the payload digest field.
	HashSize = 32

	// SignatureSize is the length of the raw ECDSA signature field,
	// the P-256 r and s values as 32 byte big endian integers.
	SignatureSize = 64

	// headerLen is the length of the encoded fields, checksum
	// included, before padding.
	headerLen = 116

	crcOffset = 112
)

// ErrHeader is returned for a header that fails structural validation.
var ErrHeader = errors.New("invalid firmware header")

// Header is a decoded firmware image header.
type Header struct {
	Magic uint32
	// Size is the payload length in bytes, header excluded.
	Size    uint32
	Version Version
	// Entry is the address execution starts at once the payload is
	// loaded.
	Entry     uint32
	Hash      [HashSize]byte
	Signature [SignatureSize]byte
	CRC       uint32
}

// ParseHeader decodes and validates a header. The magic number gates
// all further processing, then the checksum over the preceding fields.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrHeader, len(b), headerLen)
	}

	if magic := binary.LittleEndian.Uint32(b[0:4]); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#08x", ErrHeader, magic)
	}

	want := binary.LittleEndian.Uint32(b[crcOffset : crcOffset+4])

	if got := hwcrc.Checksum(b[:crcOffset]); got != want {
		return nil, fmt.Errorf("%w: checksum %#08x, want %#08x", ErrHeader, got, want)
	}

	hdr := &Header{}

	if err := binary.Read(bytes.NewReader(b[:headerLen]), binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeader, err)
	}

	return hdr, nil
}

// Encode returns the on-flash representation of the header, with the
// magic and checksum fields filled in and 0xff padding up to
// HeaderSize.
func (h Header) Encode() []byte {
	h.Magic = Magic

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, h)

	b := buf.Bytes()
	binary.LittleEndian.PutUint32(b[crcOffset:], hwcrc.Checksum(b[:crcOffset]))

	out := make([]byte, HeaderSize)

	for i := headerLen; i < HeaderSize; i++ {
		out[i] = 0xff
	}

	copy(out, b)

	return out
}
