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

// Package pvimage is the top-level driver that ties the crypto, component, header, and stage-3a
// packages together into the single PvImage construction-populate-finalize-write lifecycle a
// genprotimg run goes through exactly once.
package pvimage

import (
	"context"
	"crypto/ecdh"
	"crypto/x509"
	"encoding/binary"
	"io"
	"os"

	"github.com/ibm-s390-linux/genprotimg/cmd/output"
	"github.com/ibm-s390-linux/genprotimg/pverror"
	"github.com/ibm-s390-linux/genprotimg/pvcert"
	"github.com/ibm-s390-linux/genprotimg/pvcomp"
	"github.com/ibm-s390-linux/genprotimg/pvcomplist"
	"github.com/ibm-s390-linux/genprotimg/pvcrypto"
	"github.com/ibm-s390-linux/genprotimg/pvhdr"
	"github.com/ibm-s390-linux/genprotimg/pvscratch"
	"github.com/ibm-s390-linux/genprotimg/pvstage3"
)

// StageAddr3a is the fixed guest-absolute address the stage-3a blob is loaded at. It sits just
// past the low-core region the short PSW at file offset 0 occupies.
const StageAddr3a uint64 = 0x1000

// stage3aEntry is the address stage3a_psw points execution at: the first byte of the loaded blob.
const stage3aEntry uint64 = StageAddr3a

// PvImage owns the full state of one image build: its keys, its component list, and (once
// Finalize has run) the sealed header and patched stage-3a blob ready for Write.
type PvImage struct {
	rand io.Reader
	dir  *pvscratch.Dir

	custPriv *ecdh.PrivateKey
	hostKeys []*ecdh.PublicKey

	gcmIV       [pvcrypto.GCMIVSize]byte
	custRootKey [32]byte
	xtsKey      [pvcrypto.XTSKeySize]byte
	custCommKey [32]byte

	pcf, scf       uint64
	noDecryption   bool
	initialPSWAddr uint64
	stage3aPSWMask uint64
	stage3aPSWAddr uint64

	stage3aTemplate []byte
	keySlots        []pvhdr.KeySlot

	comps *pvcomplist.ComponentList

	finalized    bool
	sealedHeader []byte
	stage3aBlob  *pvstage3.Blob
}

// New constructs a PvImage per opts: it fixes the algorithm choices, resolves the control-flag
// and PSW overrides, acquires or generates the key material, generates the customer key pair,
// loads the host certificates, builds the per-host key slots, and reserves the stage-3a region at
// the front of the component address space. stage3aTemplate is the opaque boot-shim blob loaded
// from disk by the caller; rand is the CSPRNG source; dir is the scratch directory prepared
// components are written into.
func New(ctx context.Context, opts *Options, trustStore *x509.CertPool, stage3aTemplate []byte, rand io.Reader, dir *pvscratch.Dir) (*PvImage, error) {
	if !opts.NoCertCheck {
		return nil, pverror.Newf(pverror.Parse, "missing-option", "--no-cert-check is required")
	}

	xtsKey, err := acquireKey(opts.CompKeyPath, pvcrypto.XTSKeySize, rand)
	if err != nil {
		return nil, err
	}
	custCommKey, err := acquireKey(opts.CommKeyPath, 32, rand)
	if err != nil {
		return nil, err
	}
	custRootKey, err := acquireKey(opts.HeaderKeyPath, 32, rand)
	if err != nil {
		return nil, err
	}
	gcmIV, err := pvcrypto.Random(rand, pvcrypto.GCMIVSize)
	if err != nil {
		return nil, err
	}

	custPriv, err := pvcrypto.GenECKey(rand)
	if err != nil {
		return nil, err
	}

	if len(opts.HostCertPaths) == 0 {
		return nil, pverror.Newf(pverror.Parse, "missing-option", "at least one host certificate is required")
	}
	hostKeys := make([]*ecdh.PublicKey, 0, len(opts.HostCertPaths))
	for _, p := range opts.HostCertPaths {
		hk, err := pvcert.LoadHostKey(trustStore, p)
		if err != nil {
			return nil, err
		}
		output.Debugf(ctx, "loaded host key from %s", p)
		hostKeys = append(hostKeys, hk)
	}

	keySlots, err := buildKeySlots(custPriv, hostKeys, custRootKey, gcmIV)
	if err != nil {
		return nil, err
	}

	img := &PvImage{
		rand:            rand,
		dir:             dir,
		custPriv:        custPriv,
		hostKeys:        hostKeys,
		keySlots:        keySlots,
		pcf:             opts.pcf(),
		scf:             opts.scf(),
		initialPSWAddr:  opts.psw(),
		stage3aPSWMask:  InitialPSWMask,
		stage3aPSWAddr:  stage3aEntry,
		stage3aTemplate: stage3aTemplate,
		comps:           pvcomplist.New(),
	}
	copy(img.gcmIV[:], gcmIV)
	copy(img.custRootKey[:], custRootKey)
	copy(img.xtsKey[:], xtsKey)
	copy(img.custCommKey[:], custCommKey)
	img.noDecryption = img.pcf&pvhdr.ControlFlagNoDecryption != 0

	blobSize := predictStage3aBlobSize(len(stage3aTemplate), opts.expectedComponentCount(), len(hostKeys))
	if err := img.comps.SetOffset(pageAlign(StageAddr3a + blobSize)); err != nil {
		return nil, err
	}

	return img, nil
}

// acquireKey reads exactly n bytes from path if given, failing with INVALID_KEY_SIZE on a length
// mismatch, or else generates n fresh random bytes from rand.
func acquireKey(path string, n int, rand io.Reader) ([]byte, error) {
	if path == "" {
		return pvcrypto.Random(rand, n)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pverror.New(pverror.IO, "open", err)
	}
	if len(data) != n {
		return nil, pverror.Newf(pverror.Crypto, "invalid-key-size", "%q is %d bytes, want %d", path, len(data), n)
	}
	return data, nil
}

func pageAlign(n uint64) uint64 {
	if n%pvcrypto.PageSize == 0 {
		return n
	}
	return (n/pvcrypto.PageSize + 1) * pvcrypto.PageSize
}

// predictStage3aBlobSize computes the total stage-3a region size from quantities known before any
// component is added: the template's own length, an upper bound on the component count (fixed by
// which of -i/-r/-p were given plus the synthesized stage-3b), and the host key count (which fixes
// the header size). The component table's per-row width does not depend on content, only count, so
// the prediction made here matches pvstage3.Patch's actual layout once Finalize runs.
func predictStage3aBlobSize(templateSize, expectedComponents, nks int) uint64 {
	ipibSize := uint64(expectedComponents)*pvstage3.IPIBEntrySize + pvstage3.IPIBTrailerSize
	headerSize := uint64(pvhdr.HeadSize) + uint64(nks)*uint64(pvhdr.KeySlotSize) + uint64(pvhdr.EncryptedSize) + pvcrypto.GCMTagSize
	return pageAlign(uint64(templateSize)) + pageAlign(ipibSize) + pageAlign(headerSize)
}

// AddFile adds a file-backed component of type t from path: it creates the component, prepares it
// (page-padding and, unless PCF_NO_DECRYPTION is set, XTS-encrypting it into the scratch
// directory), and appends it to the component list, assigning its address.
func (img *PvImage) AddFile(ctx context.Context, t pvcomp.Type, path string) error {
	c, err := pvcomp.NewFile(img.rand, t, path)
	if err != nil {
		return err
	}
	return img.addPrepared(ctx, c)
}

func (img *PvImage) addPrepared(ctx context.Context, c *pvcomp.Component) error {
	if err := c.Prepare(img.xtsKey[:], img.noDecryption, img.dir); err != nil {
		return err
	}
	size, err := c.Size()
	if err != nil {
		return err
	}
	if err := img.comps.Add(c); err != nil {
		return err
	}
	output.Infof(ctx, "added %s component: %d bytes prepared, src_addr=%#x", c.Type.Name(), size, c.SrcAddr)
	return nil
}

// Finalize appends the synthesized stage-3b component (whose content is the component table every
// other component was just assigned an address in), computes the three running digests over the
// whole component list, seals the PV header, and patches the stage-3a template with the IPIB and
// header. No component may be added afterward, and Write is only valid once this has succeeded.
func (img *PvImage) Finalize(ctx context.Context) error {
	if img.finalized {
		return pverror.Newf(pverror.Image, "finalized", "image already finalized")
	}

	stage3bData, err := pvstage3.BuildStage3b(img.comps.Components(), InitialPSWMask, img.initialPSWAddr)
	if err != nil {
		return err
	}
	stage3b, err := pvcomp.NewBuffer(img.rand, pvcomp.Stage3b, stage3bData)
	if err != nil {
		return err
	}
	if err := img.addPrepared(ctx, stage3b); err != nil {
		return err
	}

	if err := img.comps.Finalize(); err != nil {
		return err
	}

	header := &pvhdr.Header{
		IV:  img.gcmIV,
		NEP: img.comps.NumEncryptedPages(),
		PCF: img.pcf,
		Encrypted: pvhdr.Encrypted{
			CustCommKey: img.custCommKey,
			PSWMask:     InitialPSWMask,
			PSWAddr:     stage3b.SrcAddr,
			SCF:         img.scf,
		},
		Slots: img.keySlots,
	}
	copy(header.CustPubKey[:], pvcrypto.RawPoint(img.custPriv.PublicKey()))
	copy(header.Pld[:], img.comps.PldSum)
	copy(header.Ald[:], img.comps.AldSum)
	copy(header.Tld[:], img.comps.TldSum)
	copy(header.Encrypted.ImgEncKey1[:], img.xtsKey[:32])
	copy(header.Encrypted.ImgEncKey2[:], img.xtsKey[32:])

	sealed, err := header.Seal(img.custRootKey[:])
	if err != nil {
		return err
	}

	// The IPIB's length depends only on the component count, not on the header offset recorded
	// in its trailer, so that offset can be computed up front rather than patched in after the
	// fact.
	ipibSize := uint64(len(img.comps.Components()))*pvstage3.IPIBEntrySize + pvstage3.IPIBTrailerSize
	ipibOff := pageAlign(uint64(len(img.stage3aTemplate)))
	hdrOff := ipibOff + pageAlign(ipibSize)
	ipib, err := pvstage3.BuildIPIB(img.comps.Components(), hdrOff, uint64(len(sealed)))
	if err != nil {
		return err
	}

	blob, err := pvstage3.Patch(img.stage3aTemplate, ipib, sealed)
	if err != nil {
		return err
	}

	img.sealedHeader = sealed
	img.stage3aBlob = blob
	img.finalized = true
	output.Infof(ctx, "finalized image: %d encrypted pages, %d key slots, stage-3a blob %d bytes",
		img.comps.NumEncryptedPages(), len(img.keySlots), len(blob.Bytes))
	return nil
}

// Write streams the finalized image to the file at path: the short PSW at offset 0, the stage-3a
// blob at StageAddr3a, then each component at its assigned source address. It fails if the image
// has not been finalized.
func (img *PvImage) Write(ctx context.Context, path string) error {
	if !img.finalized {
		return pverror.Newf(pverror.Image, "internal", "Write called before Finalize")
	}
	shortPSW, err := ShortPSW(img.stage3aPSWMask, img.stage3aPSWAddr)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return pverror.New(pverror.IO, "open", err)
	}
	defer f.Close()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], shortPSW)
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return pverror.New(pverror.IO, "write", err)
	}

	if err := writeAt(f, int64(StageAddr3a), img.stage3aBlob.Bytes); err != nil {
		return err
	}

	for _, c := range img.comps.Components() {
		r, err := c.Reader()
		if err != nil {
			return err
		}
		if _, err := f.Seek(int64(c.SrcAddr), io.SeekStart); err != nil {
			r.Close()
			return pverror.New(pverror.IO, "seek", err)
		}
		_, err = io.Copy(f, r)
		r.Close()
		if err != nil {
			return pverror.New(pverror.IO, "write", err)
		}
	}
	output.Infof(ctx, "wrote %s", path)
	return nil
}

func writeAt(f *os.File, off int64, data []byte) error {
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return pverror.New(pverror.IO, "seek", err)
	}
	if _, err := f.Write(data); err != nil {
		return pverror.New(pverror.IO, "write", err)
	}
	return nil
}
