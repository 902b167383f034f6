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

// Package testonly provides an in-memory flash device for tests.
package testonly

import (
	"fmt"
	"testing"
)

// MemDev implements flash.Device backed by a byte slice. Programming
// follows NOR discipline, bits can only be cleared, so tests exercising
// erase handling see realistic read back values.
type MemDev struct {
	Mem []byte

	// OnRead, OnProgram and OnErase, when set, run before the
	// corresponding operation and may return an error to inject
	// faults.
	OnRead    func(off, size int64) error
	OnProgram func(off int64, p []byte) error
	OnErase   func(off, size int64) error
}

// NewMemDev returns a fully erased in-memory device of the given size.
func NewMemDev(t *testing.T, size int64) *MemDev {
	t.Helper()

	d := &MemDev{
		Mem: make([]byte, size),
	}

	for i := range d.Mem {
		d.Mem[i] = 0xff
	}

	return d
}

func (d *MemDev) Read(off, size int64) ([]byte, error) {
	if d.OnRead != nil {
		if err := d.OnRead(off, size); err != nil {
			return nil, err
		}
	}

	if off < 0 || size < 0 || off+size > int64(len(d.Mem)) {
		return nil, fmt.Errorf("read [%#x, %#x) out of bounds", off, off+size)
	}

	buf := make([]byte, size)
	copy(buf, d.Mem[off:off+size])

	return buf, nil
}

func (d *MemDev) Program(off int64, p []byte) error {
	if d.OnProgram != nil {
		if err := d.OnProgram(off, p); err != nil {
			return err
		}
	}

	if off < 0 || off+int64(len(p)) > int64(len(d.Mem)) {
		return fmt.Errorf("program [%#x, %#x) out of bounds", off, off+int64(len(p)))
	}

	for i, b := range p {
		d.Mem[off+int64(i)] &= b
	}

	return nil
}

func (d *MemDev) Erase(off, size int64) error {
	if d.OnErase != nil {
		if err := d.OnErase(off, size); err != nil {
			return err
		}
	}

	if off < 0 || size < 0 || off+size > int64(len(d.Mem)) {
		return fmt.Errorf("erase [%#x, %#x) out of bounds", off, off+size)
	}

	for i := off; i < off+size; i++ {
		d.Mem[i] = 0xff
	}

	return nil
}

func (d *MemDev) Size() int64 {
	return int64(len(d.Mem))
}
