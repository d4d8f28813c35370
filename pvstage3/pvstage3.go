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

// Package pvstage3 builds the IPL Parameter Information Block the boot firmware reads to find
// every component, and patches the stage-3a boot shim so it knows where the IPIB and PV header
// ended up once the final component layout is known.
package pvstage3

import (
	"encoding/binary"

	"github.com/ibm-s390-linux/genprotimg/pvcomp"
	"github.com/ibm-s390-linux/genprotimg/pvcrypto"

	"github.com/ibm-s390-linux/genprotimg/pverror"
)

// IPIBEntrySize is the width of one IPIB component table row: an 8-byte guest-absolute address,
// an 8-byte size, a 2-byte type marker, and 6 bytes of reserved padding out to a 24-byte stride.
const IPIBEntrySize = 8 + 8 + 2 + 6

// IPIBTrailerSize holds the PV header's own placement (offset, size) within the stage-3a blob,
// appended after the last component row.
const IPIBTrailerSize = 8 + 8

// pageAlign rounds n up to the next multiple of pvcrypto.PageSize.
func pageAlign(n uint64) uint64 {
	if n%pvcrypto.PageSize == 0 {
		return n
	}
	return (n/pvcrypto.PageSize + 1) * pvcrypto.PageSize
}

// BuildIPIB serializes the component table: one row per component in list order (including
// stage-3b), each row's address and size as assigned by the ComponentList, followed by a trailer
// giving the PV header's byte offset and size within the stage-3a blob once it is appended there.
func BuildIPIB(comps []*pvcomp.Component, pvHeaderOffset, pvHeaderSize uint64) ([]byte, error) {
	buf := make([]byte, len(comps)*IPIBEntrySize+IPIBTrailerSize)
	off := 0
	for _, c := range comps {
		size, err := c.Size()
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint64(buf[off:], c.SrcAddr)
		binary.BigEndian.PutUint64(buf[off+8:], size)
		binary.BigEndian.PutUint16(buf[off+16:], uint16(c.Type))
		off += IPIBEntrySize
	}
	binary.BigEndian.PutUint64(buf[off:], pvHeaderOffset)
	binary.BigEndian.PutUint64(buf[off+8:], pvHeaderSize)
	return buf, nil
}

// PSWArgsSize is the width of the leading PSW record BuildStage3b writes ahead of the component
// table: a mask and an address, the PSW stage-3b itself hands control to once it has unpacked
// everything else.
const PSWArgsSize = 8 + 8

// BuildStage3b returns the content of the synthesized stage-3b component: a leading PSW record
// (mask/addr, overridable via --x-psw and otherwise the default image entry) followed by the same
// component table BuildIPIB writes, so the tiny stage-3b boot code knows both where every other
// component landed and where to jump once it is done. It excludes the trailing PV header pointer,
// since stage-3b runs after the Ultravisor has already consumed the header.
func BuildStage3b(comps []*pvcomp.Component, pswMask, pswAddr uint64) ([]byte, error) {
	buf := make([]byte, PSWArgsSize+len(comps)*IPIBEntrySize)
	binary.BigEndian.PutUint64(buf[0:], pswMask)
	binary.BigEndian.PutUint64(buf[8:], pswAddr)
	off := PSWArgsSize
	for _, c := range comps {
		size, err := c.Size()
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint64(buf[off:], c.SrcAddr)
		binary.BigEndian.PutUint64(buf[off+8:], size)
		binary.BigEndian.PutUint16(buf[off+16:], uint16(c.Type))
		off += IPIBEntrySize
	}
	return padToPage(buf), nil
}

func padToPage(data []byte) []byte {
	padded := pageAlign(uint64(len(data)))
	if padded == 0 {
		padded = pvcrypto.PageSize
	}
	out := make([]byte, padded)
	copy(out, data)
	return out
}

// Blob is the patched stage-3a region: the template, followed by the page-aligned IPIB, followed
// by the page-aligned PV header. The template's own last 16 bytes are reserved for the two
// pointers patched in by Patch: the IPIB's offset and the PV header's offset, both relative to
// the start of Bytes.
type Blob struct {
	Bytes        []byte
	IPIBOffset   uint64
	HeaderOffset uint64
}

// Patch assembles a Blob from the stage-3a template, the already-serialized IPIB, and the
// already-sealed PV header, and writes the two trailing pointer fields into the template so the
// firmware can find both regions once loaded.
func Patch(template, ipib, header []byte) (*Blob, error) {
	if len(template) < 16 {
		return nil, pverror.Newf(pverror.Image, "internal", "stage-3a template is smaller than its pointer trailer")
	}
	ipibOff := pageAlign(uint64(len(template)))
	hdrOff := ipibOff + pageAlign(uint64(len(ipib)))
	total := hdrOff + pageAlign(uint64(len(header)))

	blob := make([]byte, total)
	copy(blob, template)
	copy(blob[ipibOff:], ipib)
	copy(blob[hdrOff:], header)

	binary.BigEndian.PutUint64(blob[len(template)-16:], ipibOff)
	binary.BigEndian.PutUint64(blob[len(template)-8:], hdrOff)

	return &Blob{Bytes: blob, IPIBOffset: ipibOff, HeaderOffset: hdrOff}, nil
}
