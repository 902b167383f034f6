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

// Package rollback persists the committed firmware version in an
// authenticated monotonic record.
//
// The record discipline borrows from RPMB: the payload carries an
// HMAC-SHA256 under a device bound key and a write counter that
// increases with every commit. Two slots alternate, the commit always
// lands in the stale slot, so an interrupted commit leaves the
// previous record intact. Authenticity is bound to the MAC key; the
// region itself is not replay protected.
package rollback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/citadel-firmware/citadel-boot/internal/flash"
	"github.com/citadel-firmware/citadel-boot/internal/image"
)

const (
	recordMagic = 0x56524331

	// KeyLen is the MAC key length.
	KeyLen = 32

	// recordLen is the encoded record length: magic, version,
	// counter and MAC.
	recordLen = 4 + 4 + 4 + 32

	macOffset = 12
)

var (
	// ErrRecord is returned when a present record fails
	// authentication.
	ErrRecord = errors.New("version record authentication failed")

	// ErrMonotonic is returned for a commit that would decrease the
	// recorded version.
	ErrMonotonic = errors.New("version record must not decrease")
)

// Store is an authenticated version record in a dedicated flash region.
type Store struct {
	dev    flash.Device
	region flash.Region
	key    [KeyLen]byte
}

type record struct {
	version image.Version
	counter uint32
}

// Open returns a store over region, authenticating records with key.
func Open(dev flash.Device, region flash.Region, key []byte) (*Store, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("MAC key must be %d bytes, got %d", KeyLen, len(key))
	}

	if region.Size < 2*recordLen {
		return nil, fmt.Errorf("rollback region %v too small for two record slots", region)
	}

	s := &Store{
		dev:    dev,
		region: region,
	}

	copy(s.key[:], key)

	return s, nil
}

// Current returns the committed version. A store that has never been
// committed to returns the zero version.
func (s *Store) Current() (image.Version, error) {
	_, rec, err := s.current()

	return rec.version, err
}

// Commit durably records version, which must not be older than the
// current record. The record is written to the stale slot and read
// back before the commit is considered durable.
func (s *Store) Commit(v image.Version) error {
	idx, cur, err := s.current()

	if err != nil {
		return err
	}

	if v.Compare(cur.version) < 0 {
		return fmt.Errorf("%w: %v -> %v", ErrMonotonic, cur.version, v)
	}

	next := record{
		version: v,
		counter: cur.counter + 1,
	}

	target := 0

	if idx == 0 {
		target = 1
	}

	off := s.slotOffset(target)

	if err := s.dev.Erase(off, s.slotSize()); err != nil {
		return fmt.Errorf("version record erase: %w", err)
	}

	if err := s.dev.Program(off, s.encode(next)); err != nil {
		return fmt.Errorf("version record program: %w", err)
	}

	back, state, err := s.read(target)

	if err != nil {
		return fmt.Errorf("version record read back: %w", err)
	}

	if state != slotValid || back != next {
		return fmt.Errorf("%w: commit read back mismatch", ErrRecord)
	}

	klog.V(2).Infof("rollback: committed %v, counter %d", v, next.counter)

	return nil
}

type slotState int

const (
	slotErased slotState = iota
	slotValid
	slotBad
)

// current returns the authoritative record and the slot index holding
// it, -1 for a fresh store. Slots that fail authentication are ignored
// as interrupted commits while a valid record exists; without one they
// are reported as tampering.
func (s *Store) current() (int, record, error) {
	recA, stateA, err := s.read(0)

	if err != nil {
		return -1, record{}, err
	}

	recB, stateB, err := s.read(1)

	if err != nil {
		return -1, record{}, err
	}

	switch {
	case stateA == slotValid && stateB == slotValid:
		if recB.counter > recA.counter {
			return 1, recB, nil
		}
		return 0, recA, nil
	case stateA == slotValid:
		return 0, recA, nil
	case stateB == slotValid:
		return 1, recB, nil
	case stateA == slotErased && stateB == slotErased:
		return -1, record{}, nil
	default:
		return -1, record{}, ErrRecord
	}
}

func (s *Store) slotSize() int64 {
	return s.region.Size / 2
}

func (s *Store) slotOffset(i int) int64 {
	return s.region.Offset + int64(i)*s.slotSize()
}

func (s *Store) read(i int) (record, slotState, error) {
	buf, err := s.dev.Read(s.slotOffset(i), recordLen)

	if err != nil {
		return record{}, slotBad, fmt.Errorf("version record read: %w", err)
	}

	if flash.Erased(buf) {
		return record{}, slotErased, nil
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != recordMagic {
		return record{}, slotBad, nil
	}

	mac := s.mac(buf[:macOffset])

	if !hmac.Equal(mac, buf[macOffset:recordLen]) {
		return record{}, slotBad, nil
	}

	var rec record

	copy(rec.version[:], buf[4:8])
	rec.counter = binary.LittleEndian.Uint32(buf[8:12])

	return rec, slotValid, nil
}

func (s *Store) encode(rec record) []byte {
	b := make([]byte, recordLen)

	binary.LittleEndian.PutUint32(b[0:4], recordMagic)
	copy(b[4:8], rec.version[:])
	binary.LittleEndian.PutUint32(b[8:12], rec.counter)
	copy(b[macOffset:], s.mac(b[:macOffset]))

	return b
}

func (s *Store) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, s.key[:])
	m.Write(payload)

	return m.Sum(nil)
}
