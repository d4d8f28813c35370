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

// Package pvcomplist assigns page-aligned guest addresses to prepared components, in type order,
// and accumulates the three running digests (page-list, address-list, tweak-list) the PV header
// records.
package pvcomplist

import (
	"encoding/binary"
	"hash"
	"io"

	"github.com/ibm-s390-linux/genprotimg/pvcomp"
	"github.com/ibm-s390-linux/genprotimg/pvcrypto"

	"github.com/ibm-s390-linux/genprotimg/pverror"
)

// ComponentList is the ordered sequence of prepared components making up the image payload,
// together with the address cursor and incremental digests that fall out of that ordering.
type ComponentList struct {
	comps   []*pvcomp.Component
	nextSrc uint64
	nep     uint64

	pld, ald, tld hash.Hash

	finalized bool

	// Digests, set by Finalize.
	PldSum, AldSum, TldSum []byte
}

// New returns an empty ComponentList ready to receive components in ascending pvcomp.Type order.
func New() *ComponentList {
	return &ComponentList{pld: pvcrypto.NewSHA512(), ald: pvcrypto.NewSHA512(), tld: pvcrypto.NewSHA512()}
}

// SetOffset reserves off bytes (which must be page-aligned) at the front of the address space,
// before the first component is added. It is how the image builder carves out room for the
// stage-3a region ahead of the first user component.
func (l *ComponentList) SetOffset(off uint64) error {
	if len(l.comps) != 0 {
		return pverror.Newf(pverror.Image, "offset-after-add", "SetOffset called after components were added")
	}
	if off%pvcrypto.PageSize != 0 {
		return pverror.Newf(pverror.Image, "unaligned", "offset %d is not page-aligned", off)
	}
	l.nextSrc += off
	return nil
}

// Add assigns c.SrcAddr = the list's next page-aligned address and appends it. c must already be
// prepared (Size() must succeed). The next address advances by max(size(c), PageSize), so an
// empty (one-page) component still reserves a full page.
func (l *ComponentList) Add(c *pvcomp.Component) error {
	if l.finalized {
		return pverror.Newf(pverror.Image, "finalized", "cannot add a component to a finalized list")
	}
	size, err := c.Size()
	if err != nil {
		return err
	}
	c.SrcAddr = l.nextSrc
	l.comps = append(l.comps, c)
	advance := size
	if advance < pvcrypto.PageSize {
		advance = pvcrypto.PageSize
	}
	l.nextSrc += advance
	return nil
}

// Components returns the components added so far, in list (type) order.
func (l *ComponentList) Components() []*pvcomp.Component { return l.comps }

// NextAddr returns the address the next Add call would assign.
func (l *ComponentList) NextAddr() uint64 { return l.nextSrc }

// NumEncryptedPages returns nep, the total page count across every component. It is only
// meaningful after Finalize.
func (l *ComponentList) NumEncryptedPages() uint64 { return l.nep }

// Finalize walks every component exactly once, in list order, feeding the page-list,
// address-list, and tweak-list digests and accumulating nep. No component may be added
// afterward.
func (l *ComponentList) Finalize() error {
	if l.finalized {
		return pverror.Newf(pverror.Image, "finalized", "list already finalized")
	}
	for _, c := range l.comps {
		n, err := l.hashComponent(c)
		if err != nil {
			return err
		}
		l.nep += n
	}
	l.finalized = true
	l.PldSum = l.pld.Sum(nil)
	l.AldSum = l.ald.Sum(nil)
	l.TldSum = l.tld.Sum(nil)
	return nil
}

func (l *ComponentList) hashComponent(c *pvcomp.Component) (uint64, error) {
	size, err := c.Size()
	if err != nil {
		return 0, err
	}
	if size == 0 || size%pvcrypto.PageSize != 0 {
		return 0, pverror.Internal(pverror.Image, errNotPageMultiple(size))
	}
	r, err := c.Reader()
	if err != nil {
		return 0, err
	}
	defer r.Close()

	buf := make([]byte, pvcrypto.PageSize)
	addr := c.SrcAddr
	tweak := append([]byte(nil), c.Tweak[:]...)
	var pages uint64
	for {
		read, err := io.ReadFull(r, buf)
		if read == 0 && err == io.EOF {
			break
		}
		if err != nil {
			return 0, pverror.New(pverror.IO, "read", err)
		}
		l.pld.Write(buf)

		var addrBuf [8]byte
		binary.BigEndian.PutUint64(addrBuf[:], addr)
		l.ald.Write(addrBuf[:])

		l.tld.Write(tweak)

		pages++
		addr += pvcrypto.PageSize
		tweak, err = pvcrypto.AdvanceTweak(tweak)
		if err != nil {
			return 0, err
		}
	}
	want := size / pvcrypto.PageSize
	if pages != want {
		return 0, pverror.Internal(pverror.Image, errPageCountMismatch(want, pages))
	}
	return pages, nil
}
