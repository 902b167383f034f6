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
	"fmt"
	"log"

	"github.com/usbarmory/tamago/arm"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/usbarmory/GoTEE/monitor"
)

// armTarget transfers control to a verified payload, loaded as an
// execution context in the payload region.
type armTarget struct {
	ctx *monitor.ExecCtx
}

// Boot loads payload as an ELF executable and yields execution to it at
// entry. It returns once the payload stops, a non nil error means
// control could not be transferred.
func (t *armTarget) Boot(entry uint32, payload []byte) error {
	image := &exec.ELFImage{
		Region: payloadRegion,
		ELF:    payload,
	}

	imx6ul.ARM.ConfigureMMU(uint32(image.Region.Start()), uint32(image.Region.End()), 0, arm.MemoryRegion)

	if err := image.Load(); err != nil {
		return fmt.Errorf("could not load payload, %v", err)
	}

	// The verified header vouches for a single entry point, an ELF
	// disagreeing with it does not get control.
	if addr := uint32(image.Entry()); addr != entry {
		return fmt.Errorf("payload entry %#x does not match verified entry %#x", addr, entry)
	}

	ctx, err := monitor.Load(image.Entry(), image.Region, true)

	if err != nil {
		return fmt.Errorf("could not load payload context, %v", err)
	}

	// set stack pointer to end of available memory
	ctx.R13 = uint32(ctx.Memory.End())

	// override default handler
	ctx.Handler = handler

	t.ctx = ctx

	return t.run(ctx)
}

// Halt stops any loaded payload and signals lockdown. The control
// interface is left alive for forensics.
func (t *armTarget) Halt() {
	if t.ctx != nil {
		t.ctx.Stop()
	}

	usbarmory.LED("blue", false)
	usbarmory.LED("white", true)
}

func (t *armTarget) run(ctx *monitor.ExecCtx) (err error) {
	mode := arm.ModeName(int(ctx.SPSR) & 0x1f)
	ns := ctx.NonSecure()

	log.Printf("TB payload started mode:%s sp:%#.8x pc:%#.8x ns:%v", mode, ctx.R13, ctx.R15, ns)

	err = ctx.Run()

	// Re-enable interrupts as the monitor exception handler disables them
	// when switching back to System Mode.
	imx6ul.ARM.EnableInterrupts(false)

	log.Printf("TB payload stopped mode:%s sp:%#.8x lr:%#.8x pc:%#.8x ns:%v err:%v", mode, ctx.R13, ctx.R14, ctx.R15, ns, err)

	return
}
