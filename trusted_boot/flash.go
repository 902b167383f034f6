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
	"bytes"
	"fmt"

	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/citadel-firmware/citadel-boot/internal/flash"
)

const (
	// expectedBlockSize is the assumed size of an MMC block in bytes.
	expectedBlockSize = 512

	// bootMediumBlock is the card block the boot medium window starts
	// at, clear of the partition table and any filesystem area.
	bootMediumBlock = 0x5000

	// bootMediumSize is the boot medium window size in bytes, it must
	// cover the flash layout in use.
	bootMediumSize = 0x80000
)

// Card mostly mirrors the public API of the usdhc.Card struct, allowing
// substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data at sector lba onwards on the underlying storage.
	WriteBlocks(lba int, data []byte) error
	// Info returns information about the underlying storage.
	Info() usdhc.CardInfo
	// Detect causes the underlying storage to probe itself.
	Detect() error
}

// cardDevice exposes a fixed window of an MMC card as the boot medium.
// The card is overwrite capable, the erase before program discipline of
// the flash package callers is preserved but not enforced here.
type cardDevice struct {
	card  Card
	block int64
	size  int64
}

func newCardDevice(card Card) (*cardDevice, error) {
	return &cardDevice{
		card:  card,
		block: bootMediumBlock,
		size:  bootMediumSize,
	}, nil
}

func (d *cardDevice) Size() int64 {
	return d.size
}

func (d *cardDevice) Read(off, size int64) ([]byte, error) {
	if off < 0 || size < 0 || off+size > d.size {
		return nil, fmt.Errorf("read [%#x, %#x) outside boot medium", off, off+size)
	}

	if size == 0 {
		return nil, nil
	}

	if blockSize := d.card.Info().BlockSize; blockSize != expectedBlockSize {
		return nil, fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, blockSize)
	}

	// card reads must be block aligned
	start := off &^ (expectedBlockSize - 1)
	end := (off + size + expectedBlockSize - 1) &^ (expectedBlockSize - 1)

	buf, err := d.card.Read(d.block*expectedBlockSize+start, end-start)

	if err != nil {
		return nil, err
	}

	return buf[off-start : off-start+size], nil
}

func (d *cardDevice) Program(off int64, p []byte) error {
	return d.write(off, p)
}

func (d *cardDevice) Erase(off, size int64) error {
	if size < 0 {
		return fmt.Errorf("invalid erase size %d", size)
	}

	return d.write(off, bytes.Repeat([]byte{flash.ErasedByte}, int(size)))
}

// write performs a read-modify-write cycle on the card blocks covering
// [off, off+len(p)).
func (d *cardDevice) write(off int64, p []byte) error {
	size := int64(len(p))

	if off < 0 || off+size > d.size {
		return fmt.Errorf("write [%#x, %#x) outside boot medium", off, off+size)
	}

	if size == 0 {
		return nil
	}

	if blockSize := d.card.Info().BlockSize; blockSize != expectedBlockSize {
		return fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, blockSize)
	}

	start := off &^ (expectedBlockSize - 1)
	end := (off + size + expectedBlockSize - 1) &^ (expectedBlockSize - 1)

	buf, err := d.card.Read(d.block*expectedBlockSize+start, end-start)

	if err != nil {
		return err
	}

	copy(buf[off-start:], p)

	return d.card.WriteBlocks(int(d.block+start/expectedBlockSize), buf)
}
