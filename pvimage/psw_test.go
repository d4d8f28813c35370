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

import "testing"

func TestShortPSW(t *testing.T) {
	got, err := ShortPSW(0, 0x1000)
	if err != nil {
		t.Fatalf("ShortPSW() = %v", err)
	}
	want := pswMaskBit12 | 0x1000
	if got != want {
		t.Errorf("ShortPSW(0, 0x1000) = %#x, want %#x", got, want)
	}
}

func TestShortPSWPreservesMaskBits(t *testing.T) {
	got, err := ShortPSW(InitialPSWMask, 0x1000)
	if err != nil {
		t.Fatalf("ShortPSW() = %v", err)
	}
	want := InitialPSWMask | pswMaskBit12 | 0x1000
	if got != want {
		t.Errorf("ShortPSW(InitialPSWMask, 0x1000) = %#x, want %#x", got, want)
	}
}

func TestShortPSWRejectsMaskWithBit12Set(t *testing.T) {
	if _, err := ShortPSW(pswMaskBit12, 0x1000); err == nil {
		t.Fatal("ShortPSW() with bit 12 already set succeeded, want error")
	}
}

func TestShortPSWRejectsMaskOverlappingAddrField(t *testing.T) {
	if _, err := ShortPSW(1, 0x1000); err == nil {
		t.Fatal("ShortPSW() with mask overlapping the short address field succeeded, want error")
	}
}

func TestShortPSWRejectsOversizedAddress(t *testing.T) {
	if _, err := ShortPSW(0, pswShortAddrMask+1); err == nil {
		t.Fatal("ShortPSW() with a 32nd address bit set succeeded, want error")
	}
}

func TestShortPSWAcceptsMaxAddress(t *testing.T) {
	got, err := ShortPSW(0, pswShortAddrMask)
	if err != nil {
		t.Fatalf("ShortPSW() = %v", err)
	}
	if got != pswMaskBit12|pswShortAddrMask {
		t.Errorf("ShortPSW(0, max) = %#x, want %#x", got, pswMaskBit12|pswShortAddrMask)
	}
}
