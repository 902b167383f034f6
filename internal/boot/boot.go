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

// Package boot implements the trusted boot pipeline: bootloader
// integrity check, application verification, rollback protection and
// the transfer of control to a verified image.
//
// The pipeline fails closed. Conclusive authenticity failures on the
// primary slot lock the device down; only ambiguous integrity and
// engine faults attempt the one shot recovery from the backup slot.
package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/citadel-firmware/citadel-boot/internal/diag"
	"github.com/citadel-firmware/citadel-boot/internal/flash"
	"github.com/citadel-firmware/citadel-boot/internal/hwcrc"
	"github.com/citadel-firmware/citadel-boot/internal/image"
	"github.com/citadel-firmware/citadel-boot/internal/keywrap"
	"github.com/citadel-firmware/citadel-boot/internal/rollback"
)

// State identifies the pipeline stage a Manager is in.
type State int

const (
	StateInit State = iota
	StateBootloaderCheck
	StateAppVerify
	StateJump
	StateRecover
	StateLockdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateBootloaderCheck:
		return "bootloader-check"
	case StateAppVerify:
		return "app-verify"
	case StateJump:
		return "jump"
	case StateRecover:
		return "recover"
	case StateLockdown:
		return "lockdown"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidHeader covers structural header failures: bad magic,
	// bad header checksum or field bounds.
	ErrInvalidHeader = errors.New("invalid image header")

	// ErrInvalidHash means the payload digest does not match the
	// header.
	ErrInvalidHash = errors.New("image hash mismatch")

	// ErrInvalidCRC means the bootloader image does not match its
	// stored checksum.
	ErrInvalidCRC = errors.New("bootloader checksum mismatch")

	// ErrVersionRollback means an image is older than the committed
	// version record allows.
	ErrVersionRollback = errors.New("version rollback rejected")

	// ErrFlash covers boot medium access failures.
	ErrFlash = errors.New("flash access failed")

	// ErrJumpFailed means control could not be transferred to a
	// verified image.
	ErrJumpFailed = errors.New("jump to image failed")

	// ErrSecureViolation means the secure partitioning or trust
	// material failed validation during init.
	ErrSecureViolation = errors.New("secure configuration violation")
)

// errCRCUnprovisioned marks a bootloader check that could not run for
// lack of a stored reference checksum, distinct from a mismatch.
var errCRCUnprovisioned = errors.New("bootloader checksum not provisioned")

// Target transfers control to a verified payload.
type Target interface {
	// Boot loads payload and transfers control at entry. On hardware
	// it does not return; a nil return means a hosted build simulated
	// the transfer.
	Boot(entry uint32, payload []byte) error

	// Halt stops the device permanently.
	Halt()
}

// VersionStore persists the committed firmware version across boots.
type VersionStore interface {
	// Current returns the committed version, the zero version for a
	// store never committed to.
	Current() (image.Version, error)

	// Commit durably records v. Commits never decrease the record.
	Commit(v image.Version) error
}

// Outcome reports how a boot episode ended. On hardware a transferred
// outcome is never observed, Run does not return.
type Outcome struct {
	// Transferred reports whether control passed to a verified image.
	Transferred bool

	// Slot is the slot control went to.
	Slot flash.Slot

	// Level is the highest response level the episode reached.
	Level diag.ResponseLevel

	// Err is the terminal failure of a locked down episode.
	Err error
}

// Manager drives the trusted boot pipeline over its collaborators.
type Manager struct {
	Device flash.Device
	Layout flash.Layout
	Crypto Crypto
	Target Target

	// Versions is the committed version record used for rollback
	// protection.
	Versions VersionStore

	// Log is the diagnostic log failures are recorded in.
	Log *diag.Log

	// HWID is the device unique identifier the master key is bound
	// to.
	HWID []byte

	// Warn signals low severity conditions, typically an indicator
	// LED.
	Warn func()

	// Secure, when set, configures and validates the secure side
	// partitioning before any verification.
	Secure func() error

	mu    sync.Mutex
	state State
	block *keywrap.Block
}

// State returns the pipeline stage the manager is in. It is safe to
// call from control plane goroutines while Run is in progress.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = s
}

// Run executes one boot episode. It returns only when control could
// not be transferred, or in hosted builds where the target simulates
// the transfer.
func (m *Manager) Run() Outcome {
	r := &diag.Responder{
		Log:      m.Log,
		Warn:     m.Warn,
		Lockdown: m.halt,
		Recover:  m.recover,
	}

	m.setState(StateInit)

	if err := m.init(r); err != nil {
		return m.outcome(r, err)
	}

	m.setState(StateBootloaderCheck)

	if err := m.VerifyBootloader(); err != nil {
		klog.Errorf("boot: bootloader check: %v", err)

		if lvl := r.HandleCRCFailure(diag.CodeCRCBootSector, crcStatus(err)); lvl != diag.RespWarn {
			return m.outcome(r, err)
		}
	}

	m.setState(StateAppVerify)

	hdr, err := m.VerifyImage(flash.Primary)

	if err != nil {
		klog.Errorf("boot: primary verification: %v", err)

		r.HandleSignatureFailure(sigStatus(err))

		return m.outcome(r, err)
	}

	current, err := m.Versions.Current()

	if err != nil {
		klog.Errorf("boot: version record: %v", err)

		r.HandleRollbackFailure(rollbackStatus(err))

		return m.outcome(r, err)
	}

	if hdr.Version.Compare(current) < 0 {
		err := fmt.Errorf("%w: installed %v, committed %v", ErrVersionRollback, hdr.Version, current)

		klog.Error(err)
		r.HandleRollbackFailure(diag.RollbackVersionRejected)

		return m.outcome(r, err)
	}

	m.setState(StateJump)

	if err := m.jump(flash.Primary, hdr); err != nil {
		// A returning jump is unrecoverable.
		klog.Error(err)
		m.append(diag.EventRecovery, diag.CodeJumpFailed, hdr.Entry)
		m.halt()

		return Outcome{Level: diag.RespLockdown, Err: err}
	}

	return Outcome{
		Transferred: true,
		Slot:        flash.Primary,
		Level:       r.Level(),
	}
}

// init validates the layout and secure partitioning, then proves the
// trust material usable: the security block must parse and the wrapped
// master key must unwrap on this device. The proven secrets are
// destroyed immediately, update transactions unwrap their own copy.
func (m *Manager) init(r *diag.Responder) error {
	if m.Device == nil || m.Crypto == nil || m.Target == nil || m.Versions == nil {
		r.HandleSecureViolation(diag.CodeViolationMemory, 0)

		return fmt.Errorf("%w: missing collaborator", ErrSecureViolation)
	}

	if err := m.Layout.Validate(m.Device.Size()); err != nil {
		r.HandleSecureViolation(diag.CodeViolationMemory, 0)

		return fmt.Errorf("%w: %v", ErrSecureViolation, err)
	}

	if m.Secure != nil {
		if err := m.Secure(); err != nil {
			r.HandleSecureViolation(diag.CodeViolationMemory, 0)

			return fmt.Errorf("%w: %v", ErrSecureViolation, err)
		}
	}

	blk, err := m.securityBlock()

	if err != nil {
		r.HandleSecureViolation(diag.CodeViolationKeyAccess, m.Layout.Addr(m.Layout.SecurityBlock.Offset))

		return fmt.Errorf("%w: %v", ErrSecureViolation, err)
	}

	secrets, err := keywrap.Unwrap(m.HWID, blk)

	if err != nil {
		r.HandleSecureViolation(diag.CodeViolationKeyAccess, m.Layout.Addr(m.Layout.SecurityBlock.Offset))

		return fmt.Errorf("%w: %v", ErrSecureViolation, err)
	}

	secrets.Destroy()

	return nil
}

// VerifyBootloader checks the first stage image against its stored
// checksum.
func (m *Manager) VerifyBootloader() error {
	img, err := m.Device.Read(m.Layout.Bootloader.Offset, m.Layout.Bootloader.Size)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}

	stored, err := m.Device.Read(m.Layout.BootCRC.Offset, m.Layout.BootCRC.Size)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}

	if flash.Erased(stored) {
		return fmt.Errorf("%w: reference word erased", errCRCUnprovisioned)
	}

	want := binary.LittleEndian.Uint32(stored)

	if got := hwcrc.Checksum(img); got != want {
		return fmt.Errorf("%w: computed %#08x, stored %#08x", ErrInvalidCRC, got, want)
	}

	return nil
}

// VerifyImage runs the ordered verification pipeline against a slot:
// header structure first, then the payload digest, then the signature
// over it. A failed stage prevents all later stages from running.
func (m *Manager) VerifyImage(slot flash.Slot) (*image.Header, error) {
	region, err := m.Layout.Slot(slot)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	raw, err := m.Device.Read(region.Offset, image.HeaderSize)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlash, err)
	}

	hdr, err := image.ParseHeader(raw)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	if hdr.Size == 0 || int64(hdr.Size) > region.Size-image.HeaderSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds %v slot", ErrInvalidHeader, hdr.Size, slot)
	}

	// blank and erased entry words never describe a loadable image,
	// the exact entry is bound to the payload at control transfer
	if hdr.Entry == 0 || hdr.Entry == 0xffffffff || hdr.Entry%4 != 0 {
		return nil, fmt.Errorf("%w: entry %#x", ErrInvalidHeader, hdr.Entry)
	}

	payload, err := m.Device.Read(region.Offset+image.HeaderSize, int64(hdr.Size))

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlash, err)
	}

	digest, err := m.Crypto.SHA256(payload)

	if err != nil {
		return nil, fmt.Errorf("%w: sha256: %v", ErrCryptoFault, err)
	}

	if digest != hdr.Hash {
		return nil, fmt.Errorf("%w: %v slot", ErrInvalidHash, slot)
	}

	blk, err := m.securityBlock()

	if err != nil {
		return nil, err
	}

	if err := m.Crypto.VerifyECDSA(digest, hdr.Signature, blk.PublicKey); err != nil {
		return nil, fmt.Errorf("%v slot: %w", slot, err)
	}

	return hdr, nil
}

// recover verifies the backup image and transfers control to it. The
// responder invokes it at most once per episode.
func (m *Manager) recover() error {
	m.setState(StateRecover)

	hdr, err := m.VerifyImage(flash.Backup)

	if err != nil {
		klog.Errorf("boot: backup verification: %v", err)
		m.append(diag.EventRecovery, diag.CodeSigBackupImage, 0)

		return err
	}

	m.setState(StateJump)

	if err := m.jump(flash.Backup, hdr); err != nil {
		klog.Error(err)
		m.append(diag.EventRecovery, diag.CodeJumpFailed, hdr.Entry)

		return err
	}

	return nil
}

func (m *Manager) jump(slot flash.Slot, hdr *image.Header) error {
	region, err := m.Layout.Slot(slot)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrJumpFailed, err)
	}

	payload, err := m.Device.Read(region.Offset+image.HeaderSize, int64(hdr.Size))

	if err != nil {
		return fmt.Errorf("%w: %v", ErrJumpFailed, err)
	}

	klog.Infof("boot: transferring control to %v slot, version %v, entry %#x", slot, hdr.Version, hdr.Entry)

	if err := m.Target.Boot(hdr.Entry, payload); err != nil {
		return fmt.Errorf("%w: %v slot: %v", ErrJumpFailed, slot, err)
	}

	return nil
}

func (m *Manager) securityBlock() (*keywrap.Block, error) {
	if m.block != nil {
		return m.block, nil
	}

	buf, err := m.Device.Read(m.Layout.SecurityBlock.Offset, m.Layout.SecurityBlock.Size)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlash, err)
	}

	blk, err := keywrap.ParseBlock(buf)

	if err != nil {
		return nil, err
	}

	m.block = blk

	return blk, nil
}

// outcome translates the responder level into the episode result. A
// recovery that did not escalate means the backup image took over.
func (m *Manager) outcome(r *diag.Responder, err error) Outcome {
	if r.Level() == diag.RespRecover {
		return Outcome{
			Transferred: true,
			Slot:        flash.Backup,
			Level:       diag.RespRecover,
		}
	}

	m.setState(StateLockdown)

	return Outcome{
		Level: r.Level(),
		Err:   err,
	}
}

func (m *Manager) halt() {
	m.setState(StateLockdown)

	klog.Error("boot: locking down")

	if m.Target != nil {
		m.Target.Halt()
	}
}

func (m *Manager) append(event diag.EventType, code diag.Code, context uint32) {
	if m.Log == nil {
		return
	}

	if err := m.Log.Append(event, code, context); err != nil {
		klog.Errorf("boot: diag append failed: %v", err)
	}
}

// crcStatus classifies a bootloader check failure for the responder.
func crcStatus(err error) diag.CRCStatus {
	switch {
	case errors.Is(err, ErrInvalidCRC):
		return diag.CRCMismatch
	case errors.Is(err, errCRCUnprovisioned):
		return diag.CRCInvalidParam
	default:
		return diag.CRCFault
	}
}

// sigStatus classifies a verification failure for the responder.
// Structural, digest and signature failures are all conclusive
// verification verdicts; only engine faults are reported as such.
func sigStatus(err error) diag.SigStatus {
	switch {
	case errors.Is(err, ErrInvalidHeader), errors.Is(err, ErrInvalidHash), errors.Is(err, ErrSignature):
		return diag.SigVerificationFail
	case errors.Is(err, ErrSignatureEncoding):
		return diag.SigMalformed
	case errors.Is(err, ErrPublicKey):
		return diag.SigBadPublicKey
	case errors.Is(err, ErrCryptoTimeout):
		return diag.SigTimeout
	case errors.Is(err, ErrCryptoFault):
		return diag.SigComputation
	default:
		return diag.SigUnknown
	}
}

// rollbackStatus classifies a version record failure for the
// responder.
func rollbackStatus(err error) diag.RollbackStatus {
	if errors.Is(err, rollback.ErrRecord) {
		return diag.RollbackUnauthorized
	}

	return diag.RollbackStoreFault
}
