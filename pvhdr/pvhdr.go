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

// Package pvhdr builds and serializes the PV header: the integrity-protected, partly-encrypted
// record a Secure Execution host reads to recover the keys it needs to unpack the rest of the
// image. Every integer on the wire is big-endian; fields are written explicitly rather than via
// reflection over a Go struct, so that struct padding can never leak into the format.
package pvhdr

import (
	"bytes"
	"encoding/binary"

	"github.com/ibm-s390-linux/genprotimg/pverror"
	"github.com/ibm-s390-linux/genprotimg/pvcrypto"
)

// Magic is the fixed 8-byte header magic, ASCII "IBMSecEx".
const Magic uint64 = 0x49424d5365634578

// Version1 is the only header version this package produces.
const Version1 uint32 = 0x00000100

// ControlFlagNoDecryption is the plaintext control flag bit that tells the Ultravisor to skip
// decrypting components at unpack time (components are still page-padded, just not XTS'd).
const ControlFlagNoDecryption uint64 = 0x10000000

// HeadSize, KeySlotSize, and EncryptedSize are the fixed on-disk widths of the head, a single key
// slot, and the encrypted region, exported so callers that need to predict a header's total size
// before one has been built (see pvimage.predictStage3aBlobSize) don't duplicate the arithmetic.
const (
	HeadSize      = 8 + 4 + 4 + pvcrypto.GCMIVSize + 4 + 8 + 8 + 8 + 8 + pvcrypto.RawPointLen + 3*pvcrypto.SHA512Size
	KeySlotSize   = pvcrypto.SHA256Size + 32 + pvcrypto.GCMTagSize
	EncryptedSize = 32 + 32 + 32 + 8 + 8 + 8 + 4 + 4
)

const (
	headSize      = HeadSize
	keySlotSize   = KeySlotSize
	encryptedSize = EncryptedSize
)

// KeySlot is one host's wrapped copy of the customer root key: digest_key identifies which host
// certificate the slot is for, wrapped_key/tag are the AES-256-GCM sealing of cust_root_key under
// that host's ECDH exchange key.
type KeySlot struct {
	DigestKey  [pvcrypto.SHA256Size]byte
	WrappedKey [32]byte
	Tag        [pvcrypto.GCMTagSize]byte
}

func (s *KeySlot) marshal(buf *bytes.Buffer) {
	buf.Write(s.DigestKey[:])
	buf.Write(s.WrappedKey[:])
	buf.Write(s.Tag[:])
}

// Encrypted is the secret portion of the header, readable only once the AES-256-GCM seal over it
// has been opened with cust_root_key and gcm_iv.
type Encrypted struct {
	CustCommKey [32]byte
	ImgEncKey1  [32]byte
	ImgEncKey2  [32]byte
	PSWMask     uint64
	PSWAddr     uint64
	SCF         uint64
	NumOptItems uint32
}

func (e *Encrypted) marshal() []byte {
	buf := make([]byte, encryptedSize)
	off := 0
	copy(buf[off:], e.CustCommKey[:])
	off += 32
	copy(buf[off:], e.ImgEncKey1[:])
	off += 32
	copy(buf[off:], e.ImgEncKey2[:])
	off += 32
	binary.BigEndian.PutUint64(buf[off:], e.PSWMask)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], e.PSWAddr)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], e.SCF)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], e.NumOptItems)
	off += 4
	// res2, always zero.
	binary.BigEndian.PutUint32(buf[off:], 0)
	return buf
}

// Header is the full PV header: the plaintext/AAD head, the per-host key slots (also AAD), and
// the encrypted secret section, sealed together by a single AES-256-GCM tag.
type Header struct {
	IV          [pvcrypto.GCMIVSize]byte
	NEP         uint64
	PCF         uint64
	CustPubKey  [pvcrypto.RawPointLen]byte
	Pld         [pvcrypto.SHA512Size]byte
	Ald         [pvcrypto.SHA512Size]byte
	Tld         [pvcrypto.SHA512Size]byte
	Slots       []KeySlot
	Encrypted   Encrypted
}

// sea is the size, in bytes, of the encrypted+optional-items region. There are no optional items
// in a version-1 header, so sea is exactly the (already 16-byte-aligned) size of Encrypted.
func (h *Header) sea() uint64 { return uint64(encryptedSize) }

// phs is the total on-disk header size: head, slots, the sealed region, and the 16-byte tag.
func (h *Header) phs() uint32 {
	return uint32(headSize) + uint32(len(h.Slots))*uint32(keySlotSize) + uint32(h.sea()) + pvcrypto.GCMTagSize
}

func (h *Header) marshalHeadAndSlots() []byte {
	var buf bytes.Buffer
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], Magic)
	buf.Write(u64[:])
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], Version1)
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], h.phs())
	buf.Write(u32[:])
	buf.Write(h.IV[:])
	binary.BigEndian.PutUint32(u32[:], 0) // res1
	buf.Write(u32[:])
	binary.BigEndian.PutUint64(u64[:], uint64(len(h.Slots)))
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], h.sea())
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], h.NEP)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], h.PCF)
	buf.Write(u64[:])
	buf.Write(h.CustPubKey[:])
	buf.Write(h.Pld[:])
	buf.Write(h.Ald[:])
	buf.Write(h.Tld[:])
	for i := range h.Slots {
		h.Slots[i].marshal(&buf)
	}
	return buf.Bytes()
}

// Seal serializes the header and encrypts its Encrypted section in place with AES-256-GCM, keyed
// by custRootKey and h.IV, with AAD equal to the serialized head+slots. It returns the complete
// on-disk header bytes: head ‖ slots ‖ ciphertext ‖ tag.
func (h *Header) Seal(custRootKey []byte) ([]byte, error) {
	aad := h.marshalHeadAndSlots()
	plaintext := h.Encrypted.marshal()
	ciphertext, tag, err := pvcrypto.GCMSeal(custRootKey, h.IV[:], aad, plaintext)
	if err != nil {
		return nil, err
	}
	if uint64(len(ciphertext)) != h.sea() {
		return nil, pverror.Internal(pverror.Image, errSeaMismatch(h.sea(), len(ciphertext)))
	}
	out := make([]byte, 0, len(aad)+len(ciphertext)+pvcrypto.GCMTagSize)
	out = append(out, aad...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

// Parse reverses Seal: it re-derives the AAD/ciphertext/tag split from the head's own recorded
// sizes, opens the GCM seal with custRootKey, and reconstructs a Header equal to the one that was
// sealed. It fails with a CRYPTO/verification error if the tag does not check out.
func Parse(raw []byte, custRootKey []byte) (*Header, error) {
	if len(raw) < headSize {
		return nil, pverror.Newf(pverror.Image, "internal", "header is %d bytes, shorter than the fixed head", len(raw))
	}
	magic := binary.BigEndian.Uint64(raw[0:8])
	if magic != Magic {
		return nil, pverror.Newf(pverror.Image, "internal", "bad magic %#x", magic)
	}
	// raw[8:12] is the version; phs follows it.
	phs := binary.BigEndian.Uint32(raw[12:16])
	if uint32(len(raw)) != phs {
		return nil, pverror.Newf(pverror.Image, "internal", "header claims phs=%d, got %d bytes", phs, len(raw))
	}
	h := &Header{}
	copy(h.IV[:], raw[16:16+pvcrypto.GCMIVSize])
	off := 16 + pvcrypto.GCMIVSize
	off += 4 // res1
	nks := binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	sea := binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	h.NEP = binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	h.PCF = binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	copy(h.CustPubKey[:], raw[off:off+pvcrypto.RawPointLen])
	off += pvcrypto.RawPointLen
	copy(h.Pld[:], raw[off:off+pvcrypto.SHA512Size])
	off += pvcrypto.SHA512Size
	copy(h.Ald[:], raw[off:off+pvcrypto.SHA512Size])
	off += pvcrypto.SHA512Size
	copy(h.Tld[:], raw[off:off+pvcrypto.SHA512Size])
	off += pvcrypto.SHA512Size

	h.Slots = make([]KeySlot, nks)
	for i := range h.Slots {
		copy(h.Slots[i].DigestKey[:], raw[off:off+pvcrypto.SHA256Size])
		off += pvcrypto.SHA256Size
		copy(h.Slots[i].WrappedKey[:], raw[off:off+32])
		off += 32
		copy(h.Slots[i].Tag[:], raw[off:off+pvcrypto.GCMTagSize])
		off += pvcrypto.GCMTagSize
	}

	aad := raw[:off]
	ciphertext := raw[off : off+int(sea)]
	tag := raw[off+int(sea):]

	plaintext, err := pvcrypto.GCMOpen(custRootKey, h.IV[:], aad, ciphertext, tag)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != encryptedSize {
		return nil, pverror.Internal(pverror.Image, errSeaMismatch(uint64(encryptedSize), len(plaintext)))
	}
	h.Encrypted.unmarshal(plaintext)
	return h, nil
}

func (e *Encrypted) unmarshal(buf []byte) {
	off := 0
	copy(e.CustCommKey[:], buf[off:off+32])
	off += 32
	copy(e.ImgEncKey1[:], buf[off:off+32])
	off += 32
	copy(e.ImgEncKey2[:], buf[off:off+32])
	off += 32
	e.PSWMask = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	e.PSWAddr = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	e.SCF = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	e.NumOptItems = binary.BigEndian.Uint32(buf[off : off+4])
}
