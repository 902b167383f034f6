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

package boot_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/citadel-firmware/citadel-boot/internal/boot"
	"github.com/citadel-firmware/citadel-boot/internal/diag"
	"github.com/citadel-firmware/citadel-boot/internal/flash"
	"github.com/citadel-firmware/citadel-boot/internal/image"
)

// buildUpdate signs payload and returns the wire form of an update: the
// encoded header and the encrypted payload.
func buildUpdate(t *testing.T, env *bootEnv, version image.Version, entry uint32, payload []byte) ([]byte, []byte) {
	t.Helper()

	hdr, err := image.Sign(payload, version, entry, env.signer)

	if err != nil {
		t.Fatal(err)
	}

	return hdr.Encode(), encryptPayload(t, payload)
}

func (env *bootEnv) slotErased(t *testing.T, slot flash.Slot) bool {
	t.Helper()

	region, err := env.layout.Slot(slot)

	if err != nil {
		t.Fatal(err)
	}

	buf, err := env.dev.Read(region.Offset, region.Size)

	if err != nil {
		t.Fatal(err)
	}

	return flash.Erased(buf)
}

func (env *bootEnv) slotVersion(t *testing.T, slot flash.Slot) image.Version {
	t.Helper()

	hdr, err := env.mgr.VerifyImage(slot)

	if err != nil {
		t.Fatalf("%v slot: %v", slot, err)
	}

	return hdr.Version
}

func TestUpdateFirmware(t *testing.T) {
	env := newBootEnv(t)

	payload := payloadBytes(0x55)
	hdrRaw, ct := buildUpdate(t, env, image.Version{1, 1, 0, 0}, testEntry+0x100, payload)

	if err := env.mgr.UpdateFirmware(hdrRaw, ct); err != nil {
		t.Fatal(err)
	}

	if got := env.slotVersion(t, flash.Update); got != (image.Version{1, 1, 0, 0}) {
		t.Errorf("update slot version %v", got)
	}

	if got := env.slotVersion(t, flash.Primary); got != (image.Version{1, 1, 0, 0}) {
		t.Errorf("primary slot version %v", got)
	}

	current, err := env.versions.Current()

	if err != nil {
		t.Fatal(err)
	}

	if current != (image.Version{1, 1, 0, 0}) {
		t.Errorf("committed version %v", current)
	}

	out := env.mgr.Run()

	if !out.Transferred || out.Slot != flash.Primary {
		t.Fatalf("unexpected outcome %+v", out)
	}

	got := env.target.boots[0]

	if got.entry != testEntry+0x100 || !bytes.Equal(got.payload, payload) {
		t.Errorf("booted entry %#x with stale payload", got.entry)
	}
}

func TestUpdateRejectsOlderVersion(t *testing.T) {
	env := newBootEnv(t)

	if err := env.versions.Commit(image.Version{1, 1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	hdrRaw, ct := buildUpdate(t, env, image.Version{1, 0, 0, 0}, testEntry, payloadBytes(0x55))

	err := env.mgr.UpdateFirmware(hdrRaw, ct)

	if !errors.Is(err, boot.ErrVersionRollback) {
		t.Fatalf("got %v, expected version rollback", err)
	}

	if !env.slotErased(t, flash.Update) {
		t.Error("rejected update touched the update slot")
	}

	// Rejecting a stale update is logged but is not a failure
	// response.
	if env.target.halts != 0 {
		t.Errorf("halts %d", env.target.halts)
	}

	want := []diag.Entry{
		{Event: diag.EventRecovery, Code: diag.CodeRecoveryVersionRejected, Context: 0x01000000},
	}

	if diff := cmp.Diff(want, env.entries(t)); diff != "" {
		t.Errorf("log diff:\n%s", diff)
	}
}

func TestUpdateRejectsEqualVersion(t *testing.T) {
	env := newBootEnv(t)

	if err := env.versions.Commit(image.Version{1, 1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	hdrRaw, ct := buildUpdate(t, env, image.Version{1, 1, 0, 0}, testEntry, payloadBytes(0x55))

	if err := env.mgr.UpdateFirmware(hdrRaw, ct); !errors.Is(err, boot.ErrVersionRollback) {
		t.Fatalf("got %v, expected version rollback", err)
	}
}

func TestUpdateBadCiphertext(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		env := newBootEnv(t)

		hdrRaw, ct := buildUpdate(t, env, image.Version{1, 1, 0, 0}, testEntry, payloadBytes(0x55))

		if err := env.mgr.UpdateFirmware(hdrRaw, ct[:len(ct)-1]); !errors.Is(err, boot.ErrDecryption) {
			t.Fatalf("got %v, expected decryption failure", err)
		}

		if !env.slotErased(t, flash.Update) {
			t.Error("failed decryption touched the update slot")
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		env := newBootEnv(t)

		payload := payloadBytes(0x55)

		hdrRaw, _ := buildUpdate(t, env, image.Version{1, 1, 0, 0}, testEntry, payload)
		ct := encryptPayload(t, payload[:480])

		if err := env.mgr.UpdateFirmware(hdrRaw, ct); !errors.Is(err, boot.ErrDecryption) {
			t.Fatalf("got %v, expected decryption failure", err)
		}

		if !env.slotErased(t, flash.Update) {
			t.Error("short payload touched the update slot")
		}
	})
}

func TestUpdateTamperedPayloadNotPromoted(t *testing.T) {
	env := newBootEnv(t)

	payload := payloadBytes(0x55)
	hdrRaw, _ := buildUpdate(t, env, image.Version{1, 1, 0, 0}, testEntry, payload)

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0x01

	err := env.mgr.UpdateFirmware(hdrRaw, encryptPayload(t, tampered))

	if !errors.Is(err, boot.ErrInvalidHash) {
		t.Fatalf("got %v, expected hash mismatch", err)
	}

	if got := env.slotVersion(t, flash.Primary); got != (image.Version{1, 0, 0, 0}) {
		t.Errorf("primary slot version %v after rejected update", got)
	}

	current, err := env.versions.Current()

	if err != nil {
		t.Fatal(err)
	}

	if current != (image.Version{}) {
		t.Errorf("committed version %v after rejected update", current)
	}

	// The running installation must still boot.
	out := env.mgr.Run()

	if !out.Transferred || out.Slot != flash.Primary {
		t.Fatalf("unexpected outcome %+v", out)
	}

	if !bytes.Equal(env.target.boots[0].payload, env.primaryPayload) {
		t.Error("boot payload changed after rejected update")
	}
}

func TestUpdateReadBackVerify(t *testing.T) {
	env := newBootEnv(t)

	update, err := env.layout.Slot(flash.Update)

	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the staged bytes under the read back check.
	corrupted := false
	env.dev.OnRead = func(off, size int64) error {
		if off == update.Offset && !corrupted {
			corrupted = true
			env.dev.Mem[update.Offset+image.HeaderSize] &= 0x01
		}

		return nil
	}

	hdrRaw, ct := buildUpdate(t, env, image.Version{1, 1, 0, 0}, testEntry, payloadBytes(0x55))

	if err := env.mgr.UpdateFirmware(hdrRaw, ct); !errors.Is(err, boot.ErrFlash) {
		t.Fatalf("got %v, expected flash failure", err)
	}

	if !corrupted {
		t.Fatal("read back never happened")
	}
}

func TestUpdatePromoteFaultKeepsVersion(t *testing.T) {
	env := newBootEnv(t)

	primary, err := env.layout.Slot(flash.Primary)

	if err != nil {
		t.Fatal(err)
	}

	env.dev.OnProgram = func(off int64, p []byte) error {
		if primary.Contains(off, int64(len(p))) {
			return errors.New("write fault")
		}

		return nil
	}

	hdrRaw, ct := buildUpdate(t, env, image.Version{1, 1, 0, 0}, testEntry, payloadBytes(0x55))

	if err := env.mgr.UpdateFirmware(hdrRaw, ct); !errors.Is(err, boot.ErrFlash) {
		t.Fatalf("got %v, expected flash failure", err)
	}

	current, err := env.versions.Current()

	if err != nil {
		t.Fatal(err)
	}

	if current != (image.Version{}) {
		t.Errorf("committed version %v after failed promotion", current)
	}

	if got := env.slotVersion(t, flash.Update); got != (image.Version{1, 1, 0, 0}) {
		t.Errorf("update slot version %v", got)
	}
}

func TestUpdateCommitFaultAfterPromote(t *testing.T) {
	env := newBootEnv(t)

	fs := &faultStore{commitErr: errors.New("counter write fail")}
	env.mgr.Versions = fs

	hdrRaw, ct := buildUpdate(t, env, image.Version{1, 1, 0, 0}, testEntry, payloadBytes(0x55))

	if err := env.mgr.UpdateFirmware(hdrRaw, ct); err == nil {
		t.Fatal("commit failure not reported")
	}

	want := []image.Version{{1, 1, 0, 0}}

	if diff := cmp.Diff(want, fs.commits); diff != "" {
		t.Errorf("commit diff:\n%s", diff)
	}

	// Promotion happens before the commit, the image is already in
	// place.
	if got := env.slotVersion(t, flash.Primary); got != (image.Version{1, 1, 0, 0}) {
		t.Errorf("primary slot version %v", got)
	}
}

func TestCheckRollback(t *testing.T) {
	for _, tt := range []struct {
		name      string
		current   image.Version
		candidate image.Version
		ok        bool
	}{
		{"newer build", image.Version{1, 0, 0, 0}, image.Version{1, 0, 0, 1}, true},
		{"newer major", image.Version{1, 9, 9, 9}, image.Version{2, 0, 0, 0}, true},
		{"fresh store", image.Version{}, image.Version{0, 0, 0, 1}, true},
		{"equal", image.Version{1, 0, 0, 0}, image.Version{1, 0, 0, 0}, false},
		{"older minor", image.Version{1, 1, 0, 0}, image.Version{1, 0, 9, 9}, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := boot.CheckRollback(tt.current, tt.candidate)

			if tt.ok && err != nil {
				t.Fatalf("rejected: %v", err)
			}

			if !tt.ok && !errors.Is(err, boot.ErrVersionRollback) {
				t.Fatalf("got %v, expected version rollback", err)
			}
		})
	}
}
