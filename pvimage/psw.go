// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pvimage

import (
	"fmt"

	"github.com/ibm-s390-linux/genprotimg/pverror"
)

const (
	// pswMaskEA and pswMaskBA select 64-bit addressing mode for the encrypted initial PSW; their
	// combination is the mask every guest enters at after unpack.
	pswMaskEA uint64 = 0x0000000100000000
	pswMaskBA uint64 = 0x0000000080000000

	// InitialPSWMask is the fixed mask half of initial_psw: 64-bit addressing, basic mode.
	InitialPSWMask uint64 = pswMaskEA | pswMaskBA

	// DefaultImageEntry is the Linux/390 raw-image entry address used as initial_psw's address
	// when --x-psw is not given.
	DefaultImageEntry uint64 = 0x10000

	// pswMaskBit12 is the short-PSW marker bit asserted by ShortPSW; a stage3a_psw whose mask
	// already carries it cannot be converted.
	pswMaskBit12 uint64 = 0x0008000000000000

	// pswShortAddrMask is the 31-bit address field of a short PSW.
	pswShortAddrMask uint64 = 0x000000007fffffff
)

// ShortPSW converts a full mask+address PSW into the 8-byte short-PSW form written at file offset
// 0, by asserting bit 12 and packing mask and addr together. It fails if bit 12 is already set in
// mask (the PSW is not eligible for short-form conversion), if mask overlaps the 31-bit short
// address field, or if addr does not fit in 31 bits.
func ShortPSW(mask, addr uint64) (uint64, error) {
	if mask&pswMaskBit12 != 0 {
		return 0, pverror.Internal(pverror.Image, fmt.Errorf("stage-3a PSW mask %#x already has bit 12 set", mask))
	}
	if mask&pswShortAddrMask != 0 {
		return 0, pverror.Internal(pverror.Image, fmt.Errorf("stage-3a PSW mask %#x overlaps the short address field", mask))
	}
	if addr > pswShortAddrMask {
		return 0, pverror.Internal(pverror.Image, fmt.Errorf("stage-3a PSW address %#x does not fit in 31 bits", addr))
	}
	return mask | pswMaskBit12 | (addr & pswShortAddrMask), nil
}
