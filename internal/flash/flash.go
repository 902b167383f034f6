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

// Package flash describes the boot medium: the device access interface,
// the regions holding trust material, and the firmware slot layout.
package flash

import (
	"errors"
	"fmt"
)

// ErasedByte is the value an erased flash cell reads back as.
const ErasedByte byte = 0xff

// Device is the interface to the boot medium. Programming follows NOR
// flash discipline: Program may only be issued against cells in the
// erased state, and Erase is what returns cells to ErasedByte.
type Device interface {
	// Read returns size bytes starting at offset off.
	Read(off, size int64) ([]byte, error)
	// Program writes p starting at offset off.
	Program(off int64, p []byte) error
	// Erase returns the range [off, off+size) to the erased state.
	Erase(off, size int64) error
	// Size returns the device capacity in bytes.
	Size() int64
}

// Erased reports whether every byte of p reads as an erased cell.
func Erased(p []byte) bool {
	for _, b := range p {
		if b != ErasedByte {
			return false
		}
	}

	return true
}

// Region identifies a byte range on a Device.
type Region struct {
	Offset int64
	Size   int64
}

// End returns the first offset past the region.
func (r Region) End() int64 {
	return r.Offset + r.Size
}

// Contains reports whether [off, off+size) falls entirely within the
// region.
func (r Region) Contains(off, size int64) bool {
	return off >= r.Offset && size >= 0 && off+size <= r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Offset, r.End())
}

func (r Region) overlaps(o Region) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

// Slot identifies one of the firmware slots.
type Slot int

const (
	// Primary is the active application slot booted by default.
	Primary Slot = iota
	// Alt1 and Alt2 are the secondary application slots.
	Alt1
	Alt2
	// Update is the staging slot firmware updates are written to.
	Update
	// Backup holds the recovery image.
	Backup
)

func (s Slot) String() string {
	switch s {
	case Primary:
		return "primary"
	case Alt1:
		return "alt1"
	case Alt2:
		return "alt2"
	case Update:
		return "update"
	case Backup:
		return "backup"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// Layout describes where trust material and firmware slots live on a
// Device, along with the address the device is mapped at.
type Layout struct {
	// Base is the memory mapped address of device offset 0.
	Base uint32

	// Bootloader covers the first stage image, which is integrity
	// checked against the checksum stored in BootCRC.
	Bootloader Region
	BootCRC    Region

	// SecurityBlock holds the wrapped master key, its IV and the
	// firmware verification public key.
	SecurityBlock Region

	// Log is the diagnostic event log region.
	Log Region

	// Rollback is the authenticated version record region.
	Rollback Region

	Primary Region
	Alt1    Region
	Alt2    Region
	Update  Region
	Backup  Region
}

// Slot returns the region backing s.
func (l Layout) Slot(s Slot) (Region, error) {
	switch s {
	case Primary:
		return l.Primary, nil
	case Alt1:
		return l.Alt1, nil
	case Alt2:
		return l.Alt2, nil
	case Update:
		return l.Update, nil
	case Backup:
		return l.Backup, nil
	default:
		return Region{}, fmt.Errorf("invalid slot %d", int(s))
	}
}

// Addr returns the memory mapped address of device offset off.
func (l Layout) Addr(off int64) uint32 {
	return l.Base + uint32(off)
}

// Validate checks that all regions fall within a device of the given
// size and that no two regions overlap.
func (l Layout) Validate(devSize int64) error {
	regions := []struct {
		name string
		r    Region
	}{
		{"bootloader", l.Bootloader},
		{"bootcrc", l.BootCRC},
		{"security block", l.SecurityBlock},
		{"log", l.Log},
		{"rollback", l.Rollback},
		{"primary", l.Primary},
		{"alt1", l.Alt1},
		{"alt2", l.Alt2},
		{"update", l.Update},
		{"backup", l.Backup},
	}

	for _, e := range regions {
		if e.r.Size <= 0 {
			return fmt.Errorf("%s region has invalid size %d", e.name, e.r.Size)
		}

		if e.r.Offset < 0 || e.r.End() > devSize {
			return fmt.Errorf("%s region %s exceeds device size %#x", e.name, e.r, devSize)
		}
	}

	for i, a := range regions {
		for _, b := range regions[i+1:] {
			if a.r.overlaps(b.r) {
				return fmt.Errorf("%s region %s overlaps %s region %s", a.name, a.r, b.name, b.r)
			}
		}
	}

	if l.BootCRC.Size != 4 {
		return errors.New("bootcrc region must be exactly 4 bytes")
	}

	return nil
}

// DefaultLayout returns the production boot medium layout. The
// bootloader occupies the first 32 KiB, followed by the security block,
// its checksum, the diagnostic log and the version record. Application
// slots start at offset 0x40000 and hold 50 KiB images each.
func DefaultLayout() Layout {
	return Layout{
		Base: 0x08000000,

		Bootloader:    Region{Offset: 0x0, Size: 0x8000},
		SecurityBlock: Region{Offset: 0x8000, Size: 0x70},
		BootCRC:       Region{Offset: 0x8070, Size: 4},
		Log:           Region{Offset: 0xa000, Size: 0x400},
		Rollback:      Region{Offset: 0xb000, Size: 0x400},

		Primary: Region{Offset: 0x40000, Size: 0xc800},
		Alt1:    Region{Offset: 0x4d000, Size: 0xc800},
		Alt2:    Region{Offset: 0x59000, Size: 0xc800},
		Update:  Region{Offset: 0x66000, Size: 0xc800},
		Backup:  Region{Offset: 0x73000, Size: 0xc800},
	}
}
