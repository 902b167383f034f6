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

// Package hwcrc implements the CRC-32/MPEG-2 checksum: polynomial
// 0x04c11db7 fed most significant bit first, initial value 0xffffffff,
// no input or output reflection and no final XOR. This is the value
// MCU CRC peripherals compute in their reset configuration, and it is
// the checksum used for firmware headers, the bootloader image and
// diagnostic log entries.
package hwcrc

import "hash"

const poly = 0x04c11db7

const (
	// Init is the checksum starting value.
	Init = 0xffffffff
	// Size is the checksum length in bytes.
	Size = 4
)

var table [256]uint32

func init() {
	for i := range table {
		crc := uint32(i) << 24

		for b := 0; b < 8; b++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}

		table[i] = crc
	}
}

// Update returns the checksum of p appended to the data summarized by
// crc. The first call for a buffer must pass Init.
func Update(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = crc<<8 ^ table[byte(crc>>24)^b]
	}

	return crc
}

// Checksum returns the CRC-32/MPEG-2 checksum of p.
func Checksum(p []byte) uint32 {
	return Update(Init, p)
}

type digest struct {
	crc uint32
}

// New returns a hash.Hash32 computing the CRC-32/MPEG-2 checksum.
func New() hash.Hash32 {
	return &digest{crc: Init}
}

func (d *digest) Write(p []byte) (int, error) {
	d.crc = Update(d.crc, p)
	return len(p), nil
}

func (d *digest) Sum(in []byte) []byte {
	s := d.crc
	return append(in, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

func (d *digest) Sum32() uint32 { return d.crc }

func (d *digest) Reset() { d.crc = Init }

func (d *digest) Size() int { return Size }

func (d *digest) BlockSize() int { return 1 }
