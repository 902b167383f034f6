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

package flash_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/citadel-firmware/citadel-boot/internal/flash"
	"github.com/citadel-firmware/citadel-boot/internal/flash/testonly"
)

func TestRegionContains(t *testing.T) {
	r := flash.Region{Offset: 0x100, Size: 0x100}

	for _, test := range []struct {
		name string
		off  int64
		size int64
		want bool
	}{
		{"whole region", 0x100, 0x100, true},
		{"interior", 0x180, 0x10, true},
		{"empty at end", 0x200, 0, true},
		{"before", 0xff, 0x10, false},
		{"past end", 0x1f0, 0x11, false},
		{"negative size", 0x180, -1, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := r.Contains(test.off, test.size); got != test.want {
				t.Errorf("Contains(%#x, %#x) = %v, want %v", test.off, test.size, got, test.want)
			}
		})
	}
}

func TestLayoutValidate(t *testing.T) {
	const devSize = 1 << 20

	if err := flash.DefaultLayout().Validate(devSize); err != nil {
		t.Fatalf("DefaultLayout().Validate() = %v, want nil", err)
	}

	for _, test := range []struct {
		name   string
		mutate func(*flash.Layout)
	}{
		{
			name: "zero sized region",
			mutate: func(l *flash.Layout) {
				l.Log.Size = 0
			},
		}, {
			name: "region past device end",
			mutate: func(l *flash.Layout) {
				l.Backup.Offset = devSize - 1
			},
		}, {
			name: "negative offset",
			mutate: func(l *flash.Layout) {
				l.Primary.Offset = -1
			},
		}, {
			name: "overlapping slots",
			mutate: func(l *flash.Layout) {
				l.Alt1.Offset = l.Primary.Offset + 0x100
			},
		}, {
			name: "bootcrc not a word",
			mutate: func(l *flash.Layout) {
				l.BootCRC.Size = 8
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			l := flash.DefaultLayout()
			test.mutate(&l)

			if err := l.Validate(devSize); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLayoutSlot(t *testing.T) {
	l := flash.DefaultLayout()

	for _, test := range []struct {
		slot flash.Slot
		want flash.Region
	}{
		{flash.Primary, l.Primary},
		{flash.Alt1, l.Alt1},
		{flash.Alt2, l.Alt2},
		{flash.Update, l.Update},
		{flash.Backup, l.Backup},
	} {
		got, err := l.Slot(test.slot)
		if err != nil {
			t.Fatalf("Slot(%v): %v", test.slot, err)
		}

		if got != test.want {
			t.Errorf("Slot(%v) = %v, want %v", test.slot, got, test.want)
		}
	}

	if _, err := l.Slot(flash.Slot(42)); err == nil {
		t.Error("Slot(42) = nil error, want error")
	}
}

func TestLayoutAddr(t *testing.T) {
	l := flash.DefaultLayout()

	if got, want := l.Addr(l.Primary.Offset), uint32(0x08040000); got != want {
		t.Errorf("Addr(primary) = %#x, want %#x", got, want)
	}
}

func TestErased(t *testing.T) {
	if !flash.Erased([]byte{0xff, 0xff, 0xff}) {
		t.Error("Erased(all 0xff) = false, want true")
	}

	if flash.Erased([]byte{0xff, 0x7f, 0xff}) {
		t.Error("Erased(cleared bit) = true, want false")
	}

	if !flash.Erased(nil) {
		t.Error("Erased(nil) = false, want true")
	}
}

func TestMemDevProgram(t *testing.T) {
	dev := testonly.NewMemDev(t, 64)

	buf, err := dev.Read(0, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !flash.Erased(buf) {
		t.Fatal("new device is not erased")
	}

	if err := dev.Program(8, []byte{0xa5, 0x5a}); err != nil {
		t.Fatalf("Program: %v", err)
	}

	// Programming clears bits, it cannot set them.
	if err := dev.Program(8, []byte{0x0f, 0xf0}); err != nil {
		t.Fatalf("Program: %v", err)
	}

	buf, err = dev.Read(8, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if want := []byte{0x05, 0x50}; !bytes.Equal(buf, want) {
		t.Errorf("read back %x, want %x", buf, want)
	}

	if err := dev.Erase(8, 2); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	buf, err = dev.Read(8, 2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if !flash.Erased(buf) {
		t.Errorf("read back %x after erase, want erased", buf)
	}
}

func TestMemDevBounds(t *testing.T) {
	dev := testonly.NewMemDev(t, 16)

	if _, err := dev.Read(8, 16); err == nil {
		t.Error("out of bounds Read = nil error, want error")
	}

	if err := dev.Program(15, []byte{0, 0}); err == nil {
		t.Error("out of bounds Program = nil error, want error")
	}

	if err := dev.Erase(-1, 4); err == nil {
		t.Error("out of bounds Erase = nil error, want error")
	}
}

func TestMemDevFaultInjection(t *testing.T) {
	dev := testonly.NewMemDev(t, 16)
	boom := errors.New("boom")

	dev.OnProgram = func(off int64, p []byte) error {
		if off == 4 {
			return boom
		}
		return nil
	}

	if err := dev.Program(0, []byte{0}); err != nil {
		t.Fatalf("Program: %v", err)
	}

	if err := dev.Program(4, []byte{0}); !errors.Is(err, boom) {
		t.Errorf("Program(4) = %v, want injected fault", err)
	}
}
