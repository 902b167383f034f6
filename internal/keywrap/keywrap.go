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

// Package keywrap implements the security block holding the wrapped
// master key and the unwrap operation binding it to the device.
//
// The master key is stored AES-128-CBC encrypted under an ephemeral
// key derived from the device unique hardware identifier. Unwrapping
// is deterministic: the same device always recovers the same secrets,
// any other device recovers garbage.
package keywrap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/citadel-firmware/citadel-boot/internal/flash"
)

const (
	// BlockLen is the encoded security block length: the wrapped
	// master key, the CBC IV and the verification public key.
	BlockLen = WrappedKeyLen + IVLen + PublicKeyLen

	// WrappedKeyLen is the length of the encrypted master key blob.
	WrappedKeyLen = 32

	// IVLen is the CBC initialization vector length.
	IVLen = 16

	// PublicKeyLen is the length of the raw P-256 X||Y verification
	// key.
	PublicKeyLen = 64

	// KeyLen is the unwrapped master key length.
	KeyLen = 16

	// minHWIDLen is the shortest hardware identifier accepted for
	// key derivation.
	minHWIDLen = 12

	derivationIters = 4096
)

// diversifier binds the ephemeral key derivation to master key
// unwrapping.
const diversifier = "CitadelBootKeyV1"

var (
	// ErrBlock is returned for a security block that fails structural
	// validation, including a fully erased one on an unprovisioned
	// device.
	ErrBlock = errors.New("invalid security block")

	// ErrDegenerateKey is returned when the unwrapped master key is
	// blank or stuck, each of its words all zeros or all ones.
	ErrDegenerateKey = errors.New("degenerate master key")

	// ErrHardwareID is returned when the hardware identifier is too
	// short to derive an unwrap key from.
	ErrHardwareID = errors.New("hardware identifier too short")
)

// Block is a decoded security block.
type Block struct {
	WrappedKey [WrappedKeyLen]byte
	IV         [IVLen]byte
	PublicKey  [PublicKeyLen]byte
}

// ParseBlock decodes a security block read from flash.
func ParseBlock(b []byte) (*Block, error) {
	if len(b) < BlockLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrBlock, len(b), BlockLen)
	}

	if flash.Erased(b[:BlockLen]) {
		return nil, fmt.Errorf("%w: erased, device not provisioned", ErrBlock)
	}

	blk := &Block{}

	copy(blk.WrappedKey[:], b[0:WrappedKeyLen])
	copy(blk.IV[:], b[WrappedKeyLen:WrappedKeyLen+IVLen])
	copy(blk.PublicKey[:], b[WrappedKeyLen+IVLen:BlockLen])

	return blk, nil
}

// Encode returns the on-flash representation of the block.
func (b *Block) Encode() []byte {
	buf := make([]byte, 0, BlockLen)

	buf = append(buf, b.WrappedKey[:]...)
	buf = append(buf, b.IV[:]...)
	buf = append(buf, b.PublicKey[:]...)

	return buf
}

// Secrets holds unwrapped master key material. Destroy must be called
// as soon as the secrets are no longer needed.
type Secrets struct {
	key [KeyLen]byte
	iv  [IVLen]byte
}

// Key returns the master key. The returned slice aliases the secret
// storage and must not be retained past Destroy.
func (s *Secrets) Key() []byte {
	return s.key[:]
}

// IV returns the CBC initialization vector paired with the key.
func (s *Secrets) IV() []byte {
	return s.iv[:]
}

// Destroy wipes the key material. The secrets must not be used
// afterwards.
func (s *Secrets) Destroy() {
	wipe(s.key[:])
	wipe(s.iv[:])
}

// wipeHook, when set, observes every buffer after it has been wiped.
var wipeHook func([]byte)

func wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}

	if wipeHook != nil {
		wipeHook(p)
	}
}

// Unwrap derives the ephemeral unwrap key from the hardware identifier
// and decrypts the wrapped master key. All intermediate key material is
// wiped before returning, on success and failure alike.
func Unwrap(hwid []byte, blk *Block) (*Secrets, error) {
	if len(hwid) < minHWIDLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrHardwareID, len(hwid), minHWIDLen)
	}

	ek := pbkdf2.Key(hwid, []byte(diversifier), derivationIters, KeyLen, sha256.New)
	defer wipe(ek)

	c, err := aes.NewCipher(ek)

	if err != nil {
		return nil, err
	}

	pt := make([]byte, WrappedKeyLen)
	defer wipe(pt)

	cipher.NewCBCDecrypter(c, blk.IV[:]).CryptBlocks(pt, blk.WrappedKey[:])

	if degenerate(pt[:KeyLen]) {
		return nil, ErrDegenerateKey
	}

	s := &Secrets{
		iv: blk.IV,
	}

	copy(s.key[:], pt[:KeyLen])

	return s, nil
}

// Wrap encrypts master under the ephemeral key derived from hwid, the
// provisioning time inverse of Unwrap. The plaintext block is padded up
// to WrappedKeyLen, padding bytes are ignored by Unwrap.
func Wrap(hwid, master, iv []byte) ([WrappedKeyLen]byte, error) {
	var wrapped [WrappedKeyLen]byte

	if len(hwid) < minHWIDLen {
		return wrapped, fmt.Errorf("%w: %d bytes, need %d", ErrHardwareID, len(hwid), minHWIDLen)
	}

	if len(master) != KeyLen {
		return wrapped, fmt.Errorf("master key must be %d bytes, got %d", KeyLen, len(master))
	}

	if len(iv) != IVLen {
		return wrapped, fmt.Errorf("IV must be %d bytes, got %d", IVLen, len(iv))
	}

	if degenerate(master) {
		return wrapped, ErrDegenerateKey
	}

	ek := pbkdf2.Key(hwid, []byte(diversifier), derivationIters, KeyLen, sha256.New)
	defer wipe(ek)

	c, err := aes.NewCipher(ek)

	if err != nil {
		return wrapped, err
	}

	pt := make([]byte, WrappedKeyLen)
	defer wipe(pt)

	copy(pt, master)

	for i := KeyLen; i < WrappedKeyLen; i++ {
		pt[i] = WrappedKeyLen - KeyLen
	}

	cipher.NewCBCEncrypter(c, iv).CryptBlocks(wrapped[:], pt)

	return wrapped, nil
}

// degenerate reports whether every 32 bit word of key is all zeros or
// all ones.
func degenerate(key []byte) bool {
	for off := 0; off+4 <= len(key); off += 4 {
		w := binary.LittleEndian.Uint32(key[off:])

		if w != 0x00000000 && w != 0xffffffff {
			return false
		}
	}

	return true
}
