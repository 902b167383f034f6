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

package rollback_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/citadel-firmware/citadel-boot/internal/flash"
	"github.com/citadel-firmware/citadel-boot/internal/flash/testonly"
	"github.com/citadel-firmware/citadel-boot/internal/image"
	"github.com/citadel-firmware/citadel-boot/internal/rollback"
)

var storeRegion = flash.Region{Offset: 0, Size: 0x400}

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, rollback.KeyLen)
}

func memStore(t *testing.T) (*rollback.Store, *testonly.MemDev) {
	t.Helper()

	dev := testonly.NewMemDev(t, storeRegion.Size)

	s, err := rollback.Open(dev, storeRegion, testKey())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return s, dev
}

func TestFreshStore(t *testing.T) {
	s, _ := memStore(t)

	got, err := s.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	if got != (image.Version{}) {
		t.Errorf("Current() = %v, want zero version", got)
	}
}

func TestCommitPersists(t *testing.T) {
	s, dev := memStore(t)

	want := image.Version{1, 2, 0, 15}

	if err := s.Commit(want); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	if got != want {
		t.Errorf("Current() = %v, want %v", got, want)
	}

	// A reopened store, as after a power cycle, sees the same record.
	reopened, err := rollback.Open(dev, storeRegion, testKey())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	got, err = reopened.Current()
	if err != nil {
		t.Fatalf("Current after reopen: %v", err)
	}

	if got != want {
		t.Errorf("Current() after reopen = %v, want %v", got, want)
	}
}

func TestCommitAlternatesSlots(t *testing.T) {
	s, dev := memStore(t)

	if err := s.Commit(image.Version{1, 0, 0, 0}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := s.Commit(image.Version{1, 0, 0, 1}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	half := storeRegion.Size / 2

	if flash.Erased(dev.Mem[:half]) || flash.Erased(dev.Mem[half:]) {
		t.Fatal("expected both slots populated after two commits")
	}

	// Corrupting the newer record falls back to the older one.
	for off := half; off < half+8; off++ {
		dev.Mem[off] &= 0x0f
	}

	got, err := s.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	if want := (image.Version{1, 0, 0, 0}); got != want {
		t.Errorf("Current() = %v, want fallback to %v", got, want)
	}
}

func TestMonotonicCommit(t *testing.T) {
	s, _ := memStore(t)

	if err := s.Commit(image.Version{1, 1, 0, 0}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := s.Commit(image.Version{1, 0, 9, 9}); !errors.Is(err, rollback.ErrMonotonic) {
		t.Errorf("decreasing Commit = %v, want %v", err, rollback.ErrMonotonic)
	}

	// Recommitting the same version is allowed.
	if err := s.Commit(image.Version{1, 1, 0, 0}); err != nil {
		t.Errorf("equal Commit = %v, want nil", err)
	}
}

func TestTamperedRecord(t *testing.T) {
	s, dev := memStore(t)

	if err := s.Commit(image.Version{2, 0, 0, 0}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Clear a bit inside the only record's version field.
	dev.Mem[4] &= 0xfd

	if _, err := s.Current(); !errors.Is(err, rollback.ErrRecord) {
		t.Errorf("Current with tampered record = %v, want %v", err, rollback.ErrRecord)
	}
}

func TestWrongKey(t *testing.T) {
	s, dev := memStore(t)

	if err := s.Commit(image.Version{2, 0, 0, 0}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	other, err := rollback.Open(dev, storeRegion, bytes.Repeat([]byte{0x13}, rollback.KeyLen))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := other.Current(); !errors.Is(err, rollback.ErrRecord) {
		t.Errorf("Current under wrong key = %v, want %v", err, rollback.ErrRecord)
	}
}

func TestInterruptedCommit(t *testing.T) {
	s, dev := memStore(t)

	if err := s.Commit(image.Version{1, 0, 0, 0}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Fail the next program, as a power cut mid commit would.
	dev.OnProgram = func(off int64, p []byte) error {
		return errors.New("power lost")
	}

	if err := s.Commit(image.Version{1, 0, 0, 1}); err == nil {
		t.Fatal("Commit during power loss = nil, want error")
	}

	dev.OnProgram = nil

	got, err := s.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	if want := (image.Version{1, 0, 0, 0}); got != want {
		t.Errorf("Current() = %v, want the pre-interruption %v", got, want)
	}
}

func TestOpenValidation(t *testing.T) {
	dev := testonly.NewMemDev(t, 0x400)

	if _, err := rollback.Open(dev, storeRegion, []byte("short")); err == nil {
		t.Error("Open with short key = nil, want error")
	}

	if _, err := rollback.Open(dev, flash.Region{Offset: 0, Size: 64}, testKey()); err == nil {
		t.Error("Open with tiny region = nil, want error")
	}
}
