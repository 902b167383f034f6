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

package diag

import (
	"k8s.io/klog/v2"
)

// ResponseLevel orders the graduated failure responses.
type ResponseLevel int

const (
	RespNone ResponseLevel = iota
	RespWarn
	RespRecover
	RespLockdown
)

func (l ResponseLevel) String() string {
	switch l {
	case RespNone:
		return "none"
	case RespWarn:
		return "warn"
	case RespRecover:
		return "recover"
	case RespLockdown:
		return "lockdown"
	default:
		return "unknown"
	}
}

// CRCStatus classifies an integrity check failure.
type CRCStatus int

const (
	// CRCMismatch means the computed checksum differs from the
	// stored one.
	CRCMismatch CRCStatus = iota
	// CRCInvalidParam means the check was issued with unusable
	// parameters.
	CRCInvalidParam
	// CRCFault means the checksum engine itself failed.
	CRCFault
)

// SigStatus classifies a signature verification failure.
type SigStatus int

const (
	// SigVerificationFail means the image content does not match its
	// header or the signature does not verify.
	SigVerificationFail SigStatus = iota
	// SigMalformed means the signature values are structurally
	// invalid.
	SigMalformed
	// SigBadPublicKey means the stored verification key is unusable.
	SigBadPublicKey
	// SigTimeout and SigComputation report crypto engine faults.
	SigTimeout
	SigComputation
	// SigUnknown covers anything unrecognized.
	SigUnknown
)

// RollbackStatus classifies a version rollback check failure.
type RollbackStatus int

const (
	// RollbackVersionRejected means an installed image is older than
	// the committed version record.
	RollbackVersionRejected RollbackStatus = iota
	// RollbackStoreFault means the version record could not be read.
	RollbackStoreFault
	// RollbackUnauthorized means the version record failed
	// authentication.
	RollbackUnauthorized
)

// Failure budgets before the response escalates to lockdown outright.
const (
	maxCRCFailures       = 3
	maxSignatureFailures = 1
)

// Responder turns classified failures into graduated responses. The
// response level never de-escalates within one boot episode: once a
// handler has reached a level, later failures execute at that level or
// above.
//
// Recovery runs at most once per episode. A second failure that maps
// to recovery escalates to lockdown instead.
type Responder struct {
	Log *Log

	// Warn signals a low severity condition without interrupting
	// boot.
	Warn func()

	// Recover attempts backup recovery. It returns only on failure,
	// the failure detail already logged by the callee.
	Recover func() error

	// Lockdown halts the device. Hosted builds may return from it, in
	// which case the responder records the level and returns to the
	// caller.
	Lockdown func()

	level            ResponseLevel
	recoverAttempted bool
	crcFailures      int
	sigFailures      int
}

// Level returns the highest response level reached this episode.
func (r *Responder) Level() ResponseLevel {
	return r.level
}

// HandleCRCFailure logs an integrity check failure against code and
// executes the mapped response: a mismatch attempts recovery, unusable
// parameters only warn, an engine fault locks down.
func (r *Responder) HandleCRCFailure(code Code, status CRCStatus) ResponseLevel {
	r.append(EventCRCFailure, code, uint32(status))

	var lvl ResponseLevel

	switch status {
	case CRCMismatch:
		lvl = RespRecover
	case CRCInvalidParam:
		lvl = RespWarn
	default:
		lvl = RespLockdown
	}

	r.crcFailures++

	if r.crcFailures > maxCRCFailures {
		lvl = RespLockdown
	}

	return r.execute(lvl)
}

// HandleSignatureFailure logs an authenticity failure and executes the
// mapped response. Conclusive failures lock down, only crypto engine
// faults attempt recovery.
func (r *Responder) HandleSignatureFailure(status SigStatus) ResponseLevel {
	var (
		code Code
		lvl  ResponseLevel
	)

	switch status {
	case SigVerificationFail:
		code, lvl = CodeSigMainImage, RespLockdown
	case SigMalformed:
		code, lvl = CodeSigConfig, RespLockdown
	case SigBadPublicKey:
		code, lvl = CodeSigKeyExpired, RespLockdown
	case SigTimeout, SigComputation:
		code, lvl = CodeSigHWCrypto, RespRecover
	default:
		code, lvl = CodeSigUnknown, RespLockdown
	}

	r.append(EventSignatureFailure, code, uint32(status))

	r.sigFailures++

	if r.sigFailures > maxSignatureFailures {
		lvl = RespLockdown
	}

	return r.execute(lvl)
}

// HandleRollbackFailure logs a rollback check failure and executes the
// mapped response. A rejected version at boot is conclusive and locks
// down, a version store read fault attempts recovery.
func (r *Responder) HandleRollbackFailure(status RollbackStatus) ResponseLevel {
	var (
		code Code
		lvl  ResponseLevel
	)

	switch status {
	case RollbackStoreFault:
		code, lvl = CodeRecoveryStoreFault, RespRecover
	case RollbackUnauthorized:
		code, lvl = CodeRecoveryUnauthorized, RespLockdown
	default:
		code, lvl = CodeRecoveryVersionRejected, RespLockdown
	}

	r.append(EventRecovery, code, uint32(status))

	return r.execute(lvl)
}

// HandleSecureViolation logs a security posture violation, which always
// locks down.
func (r *Responder) HandleSecureViolation(code Code, context uint32) ResponseLevel {
	r.append(EventSecureViolation, code, context)

	return r.execute(RespLockdown)
}

// append records the event before any response action. A log that
// cannot absorb the record forces the episode to lockdown.
func (r *Responder) append(event EventType, code Code, context uint32) {
	if r.Log == nil {
		return
	}

	if err := r.Log.Append(event, code, context); err != nil {
		klog.Errorf("diag: append %v/%#04x failed: %v", event, uint8(code), err)
		r.level = RespLockdown
	}
}

func (r *Responder) execute(lvl ResponseLevel) ResponseLevel {
	if lvl < r.level {
		lvl = r.level
	}

	r.level = lvl

	switch lvl {
	case RespWarn:
		if r.Warn != nil {
			r.Warn()
		}
	case RespRecover:
		r.executeRecover()
	case RespLockdown:
		r.lockdown()
	}

	return r.level
}

func (r *Responder) executeRecover() {
	if r.recoverAttempted || r.Recover == nil {
		if r.recoverAttempted {
			r.append(EventRecovery, CodeRecoveryExhausted, 0)
		}

		r.level = RespLockdown
		r.lockdown()

		return
	}

	r.recoverAttempted = true
	r.append(EventRecovery, CodeRecoveryStart, r.tick())

	if err := r.Recover(); err != nil {
		klog.Errorf("diag: recovery failed: %v", err)

		r.level = RespLockdown
		r.lockdown()
	}
}

func (r *Responder) lockdown() {
	if r.Lockdown != nil {
		r.Lockdown()
	}
}

func (r *Responder) tick() uint32 {
	if r.Log == nil {
		return 0
	}

	return r.Log.now()
}
