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

package keywrap

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/pbkdf2"
)

var (
	testHWID = []byte("citadel-test-uid")
	testIV   = []byte{
		0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7,
		0xa8, 0xa9, 0xaa, 0xab, 0xac, 0xad, 0xae, 0xaf,
	}
	testKey = []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}
)

// encryptBlob wraps a 32 byte plaintext the way the provisioning tool
// does, CBC under the ephemeral key derived from hwid.
func encryptBlob(t *testing.T, hwid, iv, pt []byte) [WrappedKeyLen]byte {
	t.Helper()

	if len(pt) != WrappedKeyLen {
		t.Fatalf("plaintext length %d, need %d", len(pt), WrappedKeyLen)
	}

	ek := pbkdf2.Key(hwid, []byte(diversifier), derivationIters, KeyLen, sha256.New)

	c, err := aes.NewCipher(ek)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	var ct [WrappedKeyLen]byte
	cipher.NewCBCEncrypter(c, iv).CryptBlocks(ct[:], pt)

	return ct
}

// wrapKey wraps a 16 byte master key with PKCS#7 padding.
func wrapKey(t *testing.T, hwid, iv, key []byte) [WrappedKeyLen]byte {
	t.Helper()

	pt := make([]byte, WrappedKeyLen)
	copy(pt, key)

	for i := KeyLen; i < WrappedKeyLen; i++ {
		pt[i] = WrappedKeyLen - KeyLen
	}

	return encryptBlob(t, hwid, iv, pt)
}

func testBlock(t *testing.T) *Block {
	t.Helper()

	blk := &Block{
		WrappedKey: wrapKey(t, testHWID, testIV, testKey),
	}

	copy(blk.IV[:], testIV)

	for i := range blk.PublicKey {
		blk.PublicKey[i] = byte(i)
	}

	return blk
}

func TestUnwrapRoundTrip(t *testing.T) {
	blk := testBlock(t)

	s, err := Unwrap(testHWID, blk)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	defer s.Destroy()

	if !bytes.Equal(s.Key(), testKey) {
		t.Errorf("Key() = %x, want %x", s.Key(), testKey)
	}

	if !bytes.Equal(s.IV(), testIV) {
		t.Errorf("IV() = %x, want %x", s.IV(), testIV)
	}

	// Unwrapping is deterministic.
	again, err := Unwrap(testHWID, blk)
	if err != nil {
		t.Fatalf("second Unwrap: %v", err)
	}
	defer again.Destroy()

	if !bytes.Equal(again.Key(), s.Key()) {
		t.Error("repeated unwrap recovered a different key")
	}
}

func TestUnwrapWrongDevice(t *testing.T) {
	blk := testBlock(t)

	s, err := Unwrap([]byte("another-hwid-0001"), blk)

	switch {
	case err == nil:
		if bytes.Equal(s.Key(), testKey) {
			t.Error("a different device recovered the master key")
		}
		s.Destroy()
	case errors.Is(err, ErrDegenerateKey):
		// Garbage happened to decode as blank, also acceptable.
	default:
		t.Errorf("Unwrap = %v, want nil or degenerate key error", err)
	}
}

func TestUnwrapDegenerate(t *testing.T) {
	for _, test := range []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{
			name:    "all zeros",
			key:     make([]byte, KeyLen),
			wantErr: true,
		}, {
			name: "all ones",
			key: []byte{
				0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
				0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
			},
			wantErr: true,
		}, {
			name: "stuck words mixed",
			key: []byte{
				0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff,
				0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00,
			},
			wantErr: true,
		}, {
			name: "one live word",
			key: []byte{
				0x00, 0x00, 0x00, 0x00, 0xef, 0xbe, 0xad, 0xde,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			blk := testBlock(t)
			blk.WrappedKey = wrapKey(t, testHWID, testIV, test.key)

			s, err := Unwrap(testHWID, blk)

			if test.wantErr {
				if !errors.Is(err, ErrDegenerateKey) {
					t.Errorf("Unwrap = %v, want %v", err, ErrDegenerateKey)
				}
				return
			}

			if err != nil {
				t.Fatalf("Unwrap: %v", err)
			}

			s.Destroy()
		})
	}
}

func TestUnwrapShortHWID(t *testing.T) {
	if _, err := Unwrap([]byte("short"), testBlock(t)); !errors.Is(err, ErrHardwareID) {
		t.Errorf("Unwrap = %v, want %v", err, ErrHardwareID)
	}
}

func TestWrapRoundTrip(t *testing.T) {
	wrapped, err := Wrap(testHWID, testKey, testIV)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	if want := wrapKey(t, testHWID, testIV, testKey); wrapped != want {
		t.Errorf("Wrap = %x, want %x", wrapped, want)
	}

	blk := testBlock(t)
	blk.WrappedKey = wrapped

	s, err := Unwrap(testHWID, blk)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	defer s.Destroy()

	if !bytes.Equal(s.Key(), testKey) {
		t.Errorf("unwrapped key = %x, want %x", s.Key(), testKey)
	}
}

func TestWrapRejectsBadInputs(t *testing.T) {
	for _, test := range []struct {
		name    string
		hwid    []byte
		master  []byte
		iv      []byte
		wantErr error
	}{
		{
			name:    "short hwid",
			hwid:    []byte("short"),
			master:  testKey,
			iv:      testIV,
			wantErr: ErrHardwareID,
		}, {
			name:    "degenerate master",
			hwid:    testHWID,
			master:  make([]byte, KeyLen),
			iv:      testIV,
			wantErr: ErrDegenerateKey,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Wrap(test.hwid, test.master, test.iv); !errors.Is(err, test.wantErr) {
				t.Errorf("Wrap = %v, want %v", err, test.wantErr)
			}
		})
	}

	if _, err := Wrap(testHWID, testKey, testIV[:8]); err == nil {
		t.Error("Wrap accepted a short IV")
	}

	if _, err := Wrap(testHWID, testKey[:8], testIV); err == nil {
		t.Error("Wrap accepted a short master key")
	}
}

func TestParseBlock(t *testing.T) {
	blk := testBlock(t)

	got, err := ParseBlock(blk.Encode())
	if err != nil {
		t.Fatalf("ParseBlock: %v", err)
	}

	if diff := cmp.Diff(blk, got); diff != "" {
		t.Errorf("round trip diff (-want +got):\n%s", diff)
	}

	if _, err := ParseBlock(make([]byte, BlockLen-1)); !errors.Is(err, ErrBlock) {
		t.Errorf("short ParseBlock = %v, want %v", err, ErrBlock)
	}

	erased := make([]byte, BlockLen)
	for i := range erased {
		erased[i] = 0xff
	}

	if _, err := ParseBlock(erased); !errors.Is(err, ErrBlock) {
		t.Errorf("erased ParseBlock = %v, want %v", err, ErrBlock)
	}
}

func TestUnwrapScrubsIntermediates(t *testing.T) {
	var wiped int

	wipeHook = func(p []byte) {
		wiped++

		for i, b := range p {
			if b != 0 {
				t.Errorf("wiped buffer byte %d = %#x, want 0", i, b)
			}
		}
	}
	defer func() { wipeHook = nil }()

	s, err := Unwrap(testHWID, testBlock(t))
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}

	// The ephemeral key and the decrypted blob are wiped on return.
	if wiped < 2 {
		t.Errorf("%d buffers wiped during Unwrap, want at least 2", wiped)
	}

	wiped = 0
	s.Destroy()

	if wiped < 2 {
		t.Errorf("%d buffers wiped by Destroy, want at least 2", wiped)
	}

	if !zeroed(s.key[:]) {
		t.Error("key not cleared by Destroy")
	}
}

func TestUnwrapScrubsOnFailure(t *testing.T) {
	var wiped int

	wipeHook = func(p []byte) {
		wiped++
	}
	defer func() { wipeHook = nil }()

	blk := testBlock(t)
	blk.WrappedKey = wrapKey(t, testHWID, testIV, make([]byte, KeyLen))

	if _, err := Unwrap(testHWID, blk); !errors.Is(err, ErrDegenerateKey) {
		t.Fatalf("Unwrap = %v, want %v", err, ErrDegenerateKey)
	}

	if wiped < 2 {
		t.Errorf("%d buffers wiped on the failure path, want at least 2", wiped)
	}
}

// zeroed reports whether p is all zeros.
func zeroed(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}

	return true
}
