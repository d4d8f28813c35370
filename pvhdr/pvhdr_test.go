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

package pvhdr

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ibm-s390-linux/genprotimg/pvcrypto"
)

func fill(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return b
}

func testHeader(t *testing.T, numSlots int) *Header {
	t.Helper()
	h := &Header{
		NEP: 7,
		PCF: 0x10000000,
	}
	copy(h.IV[:], fill(pvcrypto.GCMIVSize))
	copy(h.CustPubKey[:], fill(pvcrypto.RawPointLen))
	copy(h.Pld[:], fill(pvcrypto.SHA512Size))
	copy(h.Ald[:], fill(pvcrypto.SHA512Size))
	copy(h.Tld[:], fill(pvcrypto.SHA512Size))
	for i := 0; i < numSlots; i++ {
		var s KeySlot
		copy(s.DigestKey[:], fill(pvcrypto.SHA256Size))
		copy(s.WrappedKey[:], fill(32))
		copy(s.Tag[:], fill(pvcrypto.GCMTagSize))
		h.Slots = append(h.Slots, s)
	}
	copy(h.Encrypted.CustCommKey[:], fill(32))
	copy(h.Encrypted.ImgEncKey1[:], fill(32))
	copy(h.Encrypted.ImgEncKey2[:], fill(32))
	h.Encrypted.PSWMask = 0x0008000180000000
	h.Encrypted.PSWAddr = 0x10000
	h.Encrypted.SCF = 0x1
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	tcs := []struct {
		name     string
		numSlots int
	}{
		{name: "single slot", numSlots: 1},
		{name: "multiple slots", numSlots: 3},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			custRootKey := fill(pvcrypto.GCMKeySize)
			h := testHeader(t, tc.numSlots)

			raw, err := h.Seal(custRootKey)
			if err != nil {
				t.Fatalf("Seal() = %v", err)
			}

			got, err := Parse(raw, custRootKey)
			if err != nil {
				t.Fatalf("Parse() = %v", err)
			}
			if diff := cmp.Diff(h, got); diff != "" {
				t.Errorf("Parse(Seal(h)) != h: %s", diff)
			}
		})
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	h := testHeader(t, 1)
	custRootKey := fill(pvcrypto.GCMKeySize)
	raw, err := h.Seal(custRootKey)
	if err != nil {
		t.Fatal(err)
	}
	wrongKey := fill(pvcrypto.GCMKeySize)
	if _, err := Parse(raw, wrongKey); err == nil {
		t.Fatal("Parse() with the wrong key succeeded, want error")
	}
}

func TestParseRejectsTamperedAAD(t *testing.T) {
	h := testHeader(t, 1)
	custRootKey := fill(pvcrypto.GCMKeySize)
	raw, err := h.Seal(custRootKey)
	if err != nil {
		t.Fatal(err)
	}
	raw[20] ^= 0xff // inside the head, which is part of the AAD
	if _, err := Parse(raw, custRootKey); err == nil {
		t.Fatal("Parse() of a tampered header succeeded, want error")
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	h := testHeader(t, 1)
	custRootKey := fill(pvcrypto.GCMKeySize)
	raw, err := h.Seal(custRootKey)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] ^= 0xff
	if _, err := Parse(raw, custRootKey); err == nil {
		t.Fatal("Parse() with a corrupted magic succeeded, want error")
	}
}

func TestParseRejectsTruncatedInput(t *testing.T) {
	if _, err := Parse(make([]byte, headSize-1), fill(pvcrypto.GCMKeySize)); err == nil {
		t.Fatal("Parse() of a too-short buffer succeeded, want error")
	}
}

func TestPhsAccountsForSlotsAndTag(t *testing.T) {
	h := testHeader(t, 2)
	want := uint32(headSize) + 2*uint32(keySlotSize) + uint32(encryptedSize) + pvcrypto.GCMTagSize
	if got := h.phs(); got != want {
		t.Errorf("phs() = %d, want %d", got, want)
	}
}
