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

package pvcomp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ibm-s390-linux/genprotimg/pverror"
	"github.com/ibm-s390-linux/genprotimg/pvcrypto"
	"github.com/ibm-s390-linux/genprotimg/pvscratch"
)

// Type is a component's kind, whose numeric value doubles as its ordering rank within a
// ComponentList.
type Type uint16

// The four component kinds genprotimg assembles.
const (
	Kernel  Type = 0
	Cmdline Type = 1
	Initrd  Type = 2
	Stage3b Type = 3
)

// Name returns the lowercase name used both for log lines and for the scratch-directory file
// a prepared component is written to.
func (t Type) Name() string {
	switch t {
	case Kernel:
		return "kernel"
	case Cmdline:
		return "cmdline"
	case Initrd:
		return "initrd"
	case Stage3b:
		return "stage3b"
	default:
		return "unknown"
	}
}

// Component is a single payload piece: its logical identity (Type, OrigSize), its placement once
// added to a ComponentList (SrcAddr), its per-component XTS tweak, and its content, which is
// either an owned buffer or a file path until Prepare replaces it with the padded/encrypted
// scratch-file content.
type Component struct {
	Type     Type
	OrigSize uint64
	SrcAddr  uint64
	Tweak    [pvcrypto.TweakSize]byte

	raw      storage
	prepared storage
}

// NewFile creates a Component backed by the regular file at path. rand supplies the component's
// tweak randomness.
func NewFile(rand io.Reader, t Type, path string) (*Component, error) {
	fs, err := newFileStorage(path)
	if err != nil {
		return nil, err
	}
	return newComponent(rand, t, fs.statedSize, fs)
}

// NewBuffer creates a Component that owns a copy of data. rand supplies the component's tweak
// randomness.
func NewBuffer(rand io.Reader, t Type, data []byte) (*Component, error) {
	owned := append([]byte(nil), data...)
	return newComponent(rand, t, uint64(len(owned)), &bufStorage{data: owned})
}

func newComponent(rand io.Reader, t Type, origSize uint64, raw storage) (*Component, error) {
	tweak, err := pvcrypto.GenerateTweak(rand, uint16(t))
	if err != nil {
		return nil, err
	}
	c := &Component{Type: t, OrigSize: origSize, raw: raw}
	copy(c.Tweak[:], tweak)
	return c, nil
}

// IsStage3b reports whether this component is the synthesized stage-3b trailer.
func (c *Component) IsStage3b() bool { return c.Type == Stage3b }

// Prepare page-pads (and, unless noDecryption, XTS-encrypts with xtsKey and the component's own
// tweak) the component's raw content, replacing its storage with the result. dir supplies the
// scratch file for content that must be materialized on disk. After Prepare, Size() is a
// positive multiple of pvcrypto.PageSize.
func (c *Component) Prepare(xtsKey []byte, noDecryption bool, dir *pvscratch.Dir) error {
	r, err := c.raw.reader()
	if err != nil {
		return err
	}
	defer r.Close()
	padded, n, err := padToPage(r)
	if err != nil {
		return err
	}
	if uint64(n) != c.OrigSize {
		return pverror.Internal(pverror.IO, fmt.Errorf("%s size changed during preparation: was %d, now %d", c.Type.Name(), c.OrigSize, n))
	}

	if noDecryption {
		if _, isFile := c.raw.(*fileStorage); !isFile {
			c.prepared = &bufStorage{data: padded}
			return nil
		}
		return c.writeScratch(dir, padded)
	}

	w, err := dir.Create(c.Type.Name())
	if err != nil {
		return err
	}
	defer w.Close()
	if err := pvcrypto.XTSEncryptStream(xtsKey, c.Tweak[:], bytes.NewReader(padded), w); err != nil {
		return err
	}
	fs, err := newFileStorage(w.Name())
	if err != nil {
		return err
	}
	c.prepared = fs
	return nil
}

func (c *Component) writeScratch(dir *pvscratch.Dir, padded []byte) error {
	w, err := dir.Create(c.Type.Name())
	if err != nil {
		return err
	}
	defer w.Close()
	if _, err := w.Write(padded); err != nil {
		return pverror.New(pverror.IO, "write", err)
	}
	fs, err := newFileStorage(w.Name())
	if err != nil {
		return err
	}
	c.prepared = fs
	return nil
}

// Size returns the component's prepared size. It is only valid after Prepare.
func (c *Component) Size() (uint64, error) {
	if c.prepared == nil {
		return 0, pverror.Internal(pverror.Component, fmt.Errorf("%s has not been prepared", c.Type.Name()))
	}
	return c.prepared.size()
}

// Reader opens the prepared content for reading (streaming digests or final output). It is only
// valid after Prepare.
func (c *Component) Reader() (io.ReadCloser, error) {
	if c.prepared == nil {
		return nil, pverror.Internal(pverror.Component, fmt.Errorf("%s has not been prepared", c.Type.Name()))
	}
	return c.prepared.reader()
}
