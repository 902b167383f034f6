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

package image

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Sign builds a signed header for payload. The signature covers the
// SHA-256 payload digest, as verified by the device at boot.
func Sign(payload []byte, version Version, entry uint32, key *ecdsa.PrivateKey) (*Header, error) {
	if key.Curve != elliptic.P256() {
		return nil, errors.New("signing key must be on P-256")
	}

	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}

	hdr := &Header{
		Magic:   Magic,
		Size:    uint32(len(payload)),
		Version: version,
		Entry:   entry,
		Hash:    sha256.Sum256(payload),
	}

	r, s, err := ecdsa.Sign(rand.Reader, key, hdr.Hash[:])

	if err != nil {
		return nil, fmt.Errorf("signing failed: %v", err)
	}

	r.FillBytes(hdr.Signature[0 : SignatureSize/2])
	s.FillBytes(hdr.Signature[SignatureSize/2 : SignatureSize])

	return hdr, nil
}

// EncodePublicKey returns the raw X||Y coordinates of a P-256 public
// key, the format the security block stores the verification key in.
func EncodePublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub.Curve != elliptic.P256() {
		return nil, errors.New("verification key must be on P-256")
	}

	buf := make([]byte, 64)
	pub.X.FillBytes(buf[0:32])
	pub.Y.FillBytes(buf[32:64])

	return buf, nil
}
