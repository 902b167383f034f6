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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/citadel-firmware/citadel-boot/internal/diag"
	"github.com/citadel-firmware/citadel-boot/internal/flash"
	"github.com/citadel-firmware/citadel-boot/internal/hwcrc"
	"github.com/citadel-firmware/citadel-boot/internal/image"
	"github.com/citadel-firmware/citadel-boot/internal/keywrap"
)

// programChunkSize is the flash programming granularity for staged
// images.
const programChunkSize = 2048

// CheckRollback gates update installation: a candidate must be
// strictly newer than the committed version, re-installing the current
// version is rejected.
func CheckRollback(current, candidate image.Version) error {
	if candidate.Compare(current) <= 0 {
		return fmt.Errorf("%w: candidate %v, committed %v", ErrVersionRollback, candidate, current)
	}

	return nil
}

// UpdateFirmware runs the staged update transaction: decrypt and write
// the image to the update slot, verify it there, promote it to the
// primary slot, verify again and commit the new version.
//
// The primary slot is only touched after the update slot verified, so
// a failure at any earlier point leaves the running installation
// intact. A version rejection is logged but does not trigger a
// response, rejecting stale updates is normal operation.
func (m *Manager) UpdateFirmware(hdrRaw, data []byte) error {
	hdr, err := image.ParseHeader(hdrRaw)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	current, err := m.Versions.Current()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}

	if err := CheckRollback(current, hdr.Version); err != nil {
		m.append(diag.EventRecovery, diag.CodeRecoveryVersionRejected, versionWord(hdr.Version))

		return err
	}

	blk, err := m.securityBlock()

	if err != nil {
		return err
	}

	secrets, err := keywrap.Unwrap(m.HWID, blk)

	if err != nil {
		return err
	}
	defer secrets.Destroy()

	klog.Infof("update: staging version %v, %d ciphertext bytes", hdr.Version, len(data))

	if err := m.FlashFirmware(flash.Update, hdr, data, secrets); err != nil {
		return err
	}

	if _, err := m.VerifyImage(flash.Update); err != nil {
		return fmt.Errorf("staged image rejected: %w", err)
	}

	klog.Infof("update: promoting version %v to %v slot", hdr.Version, flash.Primary)

	if err := m.promote(hdr); err != nil {
		return err
	}

	if _, err := m.VerifyImage(flash.Primary); err != nil {
		return fmt.Errorf("promoted image rejected: %w", err)
	}

	if err := m.Versions.Commit(hdr.Version); err != nil {
		return fmt.Errorf("version commit: %w", err)
	}

	klog.Infof("update: version %v committed", hdr.Version)

	return nil
}

// FlashFirmware decrypts data with the device secrets and writes the
// resulting image, header included, to slot. The slot is not touched
// until the whole payload decrypted.
func (m *Manager) FlashFirmware(slot flash.Slot, hdr *image.Header, data []byte, secrets *keywrap.Secrets) error {
	region, err := m.Layout.Slot(slot)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	payload, err := m.Crypto.DecryptCBC(data, secrets.Key(), secrets.IV())

	if err != nil {
		return err
	}

	if uint32(len(payload)) != hdr.Size {
		return fmt.Errorf("%w: decrypted %d bytes, header expects %d", ErrDecryption, len(payload), hdr.Size)
	}

	img := append(hdr.Encode(), payload...)

	if int64(len(img)) > region.Size {
		return fmt.Errorf("%w: image size %d exceeds %v slot", ErrInvalidHeader, len(img), slot)
	}

	return m.writeVerified(region, img)
}

// promote copies the verified update image into the primary slot.
func (m *Manager) promote(hdr *image.Header) error {
	src, err := m.Layout.Slot(flash.Update)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	dst, err := m.Layout.Slot(flash.Primary)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	img, err := m.Device.Read(src.Offset, image.HeaderSize+int64(hdr.Size))

	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}

	return m.writeVerified(dst, img)
}

// writeVerified erases region, programs img in chunks and confirms the
// write with a read back checksum.
func (m *Manager) writeVerified(region flash.Region, img []byte) error {
	if err := m.Device.Erase(region.Offset, region.Size); err != nil {
		return fmt.Errorf("%w: erase %v: %v", ErrFlash, region, err)
	}

	for off := 0; off < len(img); off += programChunkSize {
		n := off + programChunkSize

		if n > len(img) {
			n = len(img)
		}

		if err := m.Device.Program(region.Offset+int64(off), img[off:n]); err != nil {
			return fmt.Errorf("%w: program at %#x: %v", ErrFlash, m.Layout.Addr(region.Offset+int64(off)), err)
		}
	}

	read, err := m.Device.Read(region.Offset, int64(len(img)))

	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlash, err)
	}

	if got, want := hwcrc.Checksum(read), hwcrc.Checksum(img); got != want {
		return fmt.Errorf("%w: read back checksum %#08x, expected %#08x", ErrFlash, got, want)
	}

	return nil
}

func versionWord(v image.Version) uint32 {
	return uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
}
