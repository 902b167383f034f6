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

package boot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/citadel-firmware/citadel-boot/internal/image"
	"github.com/citadel-firmware/citadel-boot/internal/keywrap"
)

// Crypto provides the digest, signature and decryption operations the
// pipeline depends on. Implementations may back them with hardware
// engines; the error vocabulary below is how engine faults are told
// apart from verification verdicts.
type Crypto interface {
	// SHA256 returns the digest of p.
	SHA256(p []byte) ([sha256.Size]byte, error)

	// VerifyECDSA checks a raw r||s P-256 signature over digest
	// against a raw X||Y public key.
	VerifyECDSA(digest [sha256.Size]byte, sig [image.SignatureSize]byte, pub [keywrap.PublicKeyLen]byte) error

	// DecryptCBC decrypts an AES-128-CBC ciphertext and strips its
	// PKCS#7 padding.
	DecryptCBC(ciphertext, key, iv []byte) ([]byte, error)
}

var (
	// ErrSignature means the signature does not verify over the
	// digest.
	ErrSignature = errors.New("signature verification failed")

	// ErrSignatureEncoding means the signature values are
	// structurally invalid.
	ErrSignatureEncoding = errors.New("malformed signature")

	// ErrPublicKey means the verification key is not a usable curve
	// point.
	ErrPublicKey = errors.New("invalid public key")

	// ErrCryptoTimeout and ErrCryptoFault report engine failures
	// rather than verification verdicts.
	ErrCryptoTimeout = errors.New("crypto engine timeout")
	ErrCryptoFault   = errors.New("crypto engine fault")

	// ErrDecryption means a ciphertext could not be decrypted to a
	// well formed plaintext.
	ErrDecryption = errors.New("decryption failed")
)

// SoftCrypto implements Crypto in software.
type SoftCrypto struct{}

func (SoftCrypto) SHA256(p []byte) ([sha256.Size]byte, error) {
	return sha256.Sum256(p), nil
}

func (SoftCrypto) VerifyECDSA(digest [sha256.Size]byte, sig [image.SignatureSize]byte, pub [keywrap.PublicKeyLen]byte) error {
	curve := elliptic.P256()

	x := new(big.Int).SetBytes(pub[0:32])
	y := new(big.Int).SetBytes(pub[32:64])

	if !curve.IsOnCurve(x, y) {
		return ErrPublicKey
	}

	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])

	n := curve.Params().N

	if r.Sign() <= 0 || s.Sign() <= 0 || r.Cmp(n) >= 0 || s.Cmp(n) >= 0 {
		return ErrSignatureEncoding
	}

	pk := &ecdsa.PublicKey{
		Curve: curve,
		X:     x,
		Y:     y,
	}

	if !ecdsa.Verify(pk, digest[:], r, s) {
		return ErrSignature
	}

	return nil
}

func (SoftCrypto) DecryptCBC(ciphertext, key, iv []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecryption, len(ciphertext))
	}

	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv length %d", ErrDecryption, len(iv))
	}

	c, err := aes.NewCipher(key)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	pt := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c, iv).CryptBlocks(pt, ciphertext)

	pad := int(pt[len(pt)-1])

	if pad == 0 || pad > aes.BlockSize || pad > len(pt) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
	}

	for _, b := range pt[len(pt)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
		}
	}

	return pt[:len(pt)-pad], nil
}
