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
	_ "unsafe"

	"github.com/usbarmory/tamago/dma"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
)

const (
	// Trusted bootloader
	secureStart = 0x80000000
	secureSize  = 0x0e000000 // 224MB

	// Trusted bootloader DMA
	secureDMAStart = 0x8e000000
	secureDMASize  = 0x02000000 // 32MB

	// Verified payload
	payloadStart = 0x90000000
	payloadSize  = 0x10000000 // 256MB
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = secureStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = secureSize

var payloadRegion *dma.Region

func init() {
	payloadRegion, _ = dma.NewRegion(payloadStart, payloadSize, false)
	payloadRegion.Reserve(payloadSize, 0)

	dma.Init(secureDMAStart, secureDMASize)

	deriveKeyMemory, _ := dma.NewRegion(imx6ul.OCRAM_START, imx6ul.OCRAM_SIZE, false)

	switch {
	case imx6ul.CAAM != nil:
		imx6ul.CAAM.DeriveKeyMemory = deriveKeyMemory
	case imx6ul.DCP != nil:
		imx6ul.DCP.DeriveKeyMemory = deriveKeyMemory
	}
}
