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

package hwcrc

import (
	"bytes"
	"math/rand"
	"testing"
)

// bitwise is a bit-at-a-time CRC-32/MPEG-2 used to validate the table
// driven implementation.
func bitwise(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc ^= uint32(b) << 24

		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}

func TestChecksum(t *testing.T) {
	for _, test := range []struct {
		name string
		data []byte
		want uint32
	}{
		{
			name: "empty",
			data: nil,
			want: 0xffffffff,
		}, {
			// Catalogue check value for CRC-32/MPEG-2.
			name: "check",
			data: []byte("123456789"),
			want: 0x0376e6e7,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := Checksum(test.data); got != test.want {
				t.Errorf("Checksum(%q) = %#08x, want %#08x", test.data, got, test.want)
			}
		})
	}
}

func TestTableMatchesBitwise(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	for size := 0; size <= 1024; size += 19 {
		buf := make([]byte, size)
		rnd.Read(buf)

		if got, want := Checksum(buf), bitwise(Init, buf); got != want {
			t.Fatalf("Checksum of %d bytes = %#08x, want %#08x", size, got, want)
		}
	}
}

func TestUpdateIncremental(t *testing.T) {
	data := []byte("incremental updates must match a single pass")

	for split := 0; split <= len(data); split++ {
		crc := Update(Init, data[:split])
		crc = Update(crc, data[split:])

		if want := Checksum(data); crc != want {
			t.Fatalf("split at %d = %#08x, want %#08x", split, crc, want)
		}
	}
}

func TestHash32(t *testing.T) {
	data := []byte("123456789")

	h := New()

	if _, err := h.Write(data[:4]); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := h.Write(data[4:]); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got, want := h.Sum32(), Checksum(data); got != want {
		t.Errorf("Sum32() = %#08x, want %#08x", got, want)
	}

	if got, want := h.Sum(nil), []byte{0x03, 0x76, 0xe6, 0xe7}; !bytes.Equal(got, want) {
		t.Errorf("Sum(nil) = %x, want %x", got, want)
	}

	h.Reset()

	if got := h.Sum32(); got != Init {
		t.Errorf("Sum32() after Reset = %#08x, want %#08x", got, uint32(Init))
	}
}
