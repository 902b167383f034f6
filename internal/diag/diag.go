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

// Package diag implements the persistent diagnostic log and the
// graduated failure response policy.
//
// Log entries occupy fixed 64 byte slots in a dedicated flash region.
// A slot must read fully erased before it is programmed and every
// append is read back and checksum verified, so overwrites and silent
// corruption surface as ErrTampered instead of being papered over.
package diag

import (
	"encoding/binary"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/citadel-firmware/citadel-boot/internal/flash"
	"github.com/citadel-firmware/citadel-boot/internal/hwcrc"
)

// EventType classifies a logged security event.
type EventType uint32

const (
	EventCRCFailure       EventType = 0x10
	EventSignatureFailure EventType = 0x20
	EventSecureViolation  EventType = 0x30
	EventRecovery         EventType = 0x40
)

func (e EventType) String() string {
	switch e {
	case EventCRCFailure:
		return "crc-failure"
	case EventSignatureFailure:
		return "signature-failure"
	case EventSecureViolation:
		return "secure-violation"
	case EventRecovery:
		return "recovery"
	default:
		return fmt.Sprintf("event(%#x)", uint32(e))
	}
}

// Code identifies the specific condition within an event class.
type Code uint8

const (
	CodeCRCMainImage   Code = 0x10
	CodeCRCBackupImage Code = 0x11
	CodeCRCConfig      Code = 0x12
	CodeCRCBootSector  Code = 0x13
	CodeCRCLogEntry    Code = 0x14

	CodeSigMainImage   Code = 0x20
	CodeSigBackupImage Code = 0x21
	CodeSigConfig      Code = 0x22
	CodeSigKeyExpired  Code = 0x23
	CodeSigHWCrypto    Code = 0x24
	CodeSigUnknown     Code = 0x2f

	CodeViolationMemory    Code = 0x30
	CodeViolationDebugPort Code = 0x31
	CodeViolationClock     Code = 0x32
	CodeViolationKeyAccess Code = 0x33
	CodeViolationStack     Code = 0x34

	CodeRecoveryStart           Code = 0x40
	CodeRecoveryExhausted       Code = 0x41
	CodeRecoveryVersionRejected Code = 0x42
	CodeRecoveryStoreFault      Code = 0x43
	CodeRecoveryUnauthorized    Code = 0x44
	CodeJumpFailed              Code = 0x45
)

const (
	// SlotLen is the flash footprint of one log entry.
	SlotLen = 64

	// entryLen is the encoded entry length within a slot, trailing
	// checksum included.
	entryLen = 17

	crcOffset = 13
)

var (
	// ErrTampered is returned when a log slot does not match what the
	// append discipline guarantees: a destination slot that is not
	// erased, or a programmed entry that reads back differently.
	ErrTampered = errors.New("log tampered")

	// ErrInvalidEvent is returned for an event type outside the
	// known classes.
	ErrInvalidEvent = errors.New("invalid event type")
)

// Entry is one diagnostic log record.
type Entry struct {
	// Timestamp is milliseconds since boot at append time.
	Timestamp uint32
	Event     EventType
	Code      Code
	// Context carries event specific data, typically an affected
	// address or a raw collaborator status.
	Context uint32
}

func (e Entry) encode() []byte {
	b := make([]byte, SlotLen)

	for i := entryLen; i < SlotLen; i++ {
		b[i] = flash.ErasedByte
	}

	binary.LittleEndian.PutUint32(b[0:4], e.Timestamp)
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.Event))
	b[8] = uint8(e.Code)
	binary.LittleEndian.PutUint32(b[9:13], e.Context)
	binary.LittleEndian.PutUint32(b[crcOffset:entryLen], hwcrc.Checksum(b[:crcOffset]))

	return b
}

func decodeEntry(b []byte) (Entry, bool) {
	if len(b) < entryLen {
		return Entry{}, false
	}

	want := binary.LittleEndian.Uint32(b[crcOffset:entryLen])

	if hwcrc.Checksum(b[:crcOffset]) != want {
		return Entry{}, false
	}

	return Entry{
		Timestamp: binary.LittleEndian.Uint32(b[0:4]),
		Event:     EventType(binary.LittleEndian.Uint32(b[4:8])),
		Code:      Code(b[8]),
		Context:   binary.LittleEndian.Uint32(b[9:13]),
	}, true
}

// Log is the persistent diagnostic event log.
type Log struct {
	dev    flash.Device
	region flash.Region

	now      func() uint32
	index    int
	capacity int
}

// Open initializes the log over region, resuming at the first unused
// slot. The now function supplies entry timestamps in milliseconds
// since boot.
func Open(dev flash.Device, region flash.Region, now func() uint32) (*Log, error) {
	if region.Size <= 0 || region.Size%SlotLen != 0 {
		return nil, fmt.Errorf("log region size %#x is not a multiple of %d", region.Size, SlotLen)
	}

	if now == nil {
		now = func() uint32 { return 0 }
	}

	l := &Log{
		dev:      dev,
		region:   region,
		now:      now,
		capacity: int(region.Size / SlotLen),
	}

	buf, err := dev.Read(region.Offset, region.Size)

	if err != nil {
		return nil, fmt.Errorf("log region read: %w", err)
	}

	l.index = l.capacity

	for i := 0; i < l.capacity; i++ {
		if flash.Erased(buf[i*SlotLen : (i+1)*SlotLen]) {
			l.index = i
			break
		}
	}

	klog.V(2).Infof("diag: log open, %d/%d slots used", l.index, l.capacity)

	return l, nil
}

// Append logs an event. The destination slot must read fully erased and
// the programmed entry is read back and verified before the append is
// considered durable. When the region is full it is erased as a whole
// and appending restarts at the first slot.
func (l *Log) Append(event EventType, code Code, context uint32) error {
	switch event {
	case EventCRCFailure, EventSignatureFailure, EventSecureViolation, EventRecovery:
	default:
		return fmt.Errorf("%w: %#x", ErrInvalidEvent, uint32(event))
	}

	if l.index >= l.capacity {
		if err := l.dev.Erase(l.region.Offset, l.region.Size); err != nil {
			return fmt.Errorf("log erase: %w", err)
		}

		l.index = 0
	}

	off := l.region.Offset + int64(l.index)*SlotLen

	slot, err := l.dev.Read(off, SlotLen)

	if err != nil {
		return fmt.Errorf("log read: %w", err)
	}

	if !flash.Erased(slot) {
		return fmt.Errorf("%w: slot %d not erased", ErrTampered, l.index)
	}

	e := Entry{
		Timestamp: l.now(),
		Event:     event,
		Code:      code,
		Context:   context,
	}

	if err := l.dev.Program(off, e.encode()); err != nil {
		return fmt.Errorf("log program: %w", err)
	}

	back, err := l.dev.Read(off, SlotLen)

	if err != nil {
		return fmt.Errorf("log read back: %w", err)
	}

	if got, ok := decodeEntry(back); !ok || got != e {
		return fmt.Errorf("%w: slot %d read back mismatch", ErrTampered, l.index)
	}

	l.index++

	klog.Infof("diag: %v code %#04x context %#010x", event, uint8(code), context)

	return nil
}

// Entries returns the decoded log records in append order.
func (l *Log) Entries() ([]Entry, error) {
	if l.index == 0 {
		return nil, nil
	}

	buf, err := l.dev.Read(l.region.Offset, int64(l.index)*SlotLen)

	if err != nil {
		return nil, fmt.Errorf("log read: %w", err)
	}

	entries := make([]Entry, 0, l.index)

	for i := 0; i < l.index; i++ {
		e, ok := decodeEntry(buf[i*SlotLen:])

		if !ok {
			return nil, fmt.Errorf("%w: slot %d", ErrTampered, i)
		}

		entries = append(entries, e)
	}

	return entries, nil
}

// Used returns the number of occupied log slots.
func (l *Log) Used() int {
	return l.index
}

// Capacity returns the total number of log slots.
func (l *Log) Capacity() int {
	return l.capacity
}
