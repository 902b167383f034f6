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

//go:build tamago
// +build tamago

package main

import (
	"github.com/citadel-firmware/citadel-boot/internal/boot"
)

// newCrypto returns the verification engine. Hashing and signature
// checks run in software on all targets, the hardware engines are used
// for key derivation only (see rollback.go).
func newCrypto() boot.Crypto {
	return boot.SoftCrypto{}
}
