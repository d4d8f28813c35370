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
	"crypto/rand"
	"io"
	"path/filepath"
	"testing"

	"github.com/ibm-s390-linux/genprotimg/pvcrypto"
	"github.com/ibm-s390-linux/genprotimg/pvscratch"
)

func newScratch(t *testing.T) *pvscratch.Dir {
	t.Helper()
	d, err := pvscratch.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func readAll(t *testing.T, c *Component) []byte {
	t.Helper()
	r, err := c.Reader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestNewBufferPagePaddingInvariant(t *testing.T) {
	tcs := []struct {
		name     string
		size     int
		wantSize uint64
	}{
		{name: "empty", size: 0, wantSize: pvcrypto.PageSize},
		{name: "under one page", size: 10, wantSize: pvcrypto.PageSize},
		{name: "exactly one page", size: pvcrypto.PageSize, wantSize: pvcrypto.PageSize},
		{name: "one page plus one byte", size: pvcrypto.PageSize + 1, wantSize: 2 * pvcrypto.PageSize},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, tc.size)
			c, err := NewBuffer(rand.Reader, Kernel, data)
			if err != nil {
				t.Fatal(err)
			}
			dir := newScratch(t)
			if err := c.Prepare(nil, true /* noDecryption */, dir); err != nil {
				t.Fatalf("Prepare() = %v", err)
			}
			got, err := c.Size()
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.wantSize {
				t.Errorf("Size() = %d, want %d", got, tc.wantSize)
			}
			if got%pvcrypto.PageSize != 0 || got == 0 {
				t.Errorf("Size() = %d is not a positive multiple of the page size", got)
			}
		})
	}
}

func TestPrepareNoDecryptionPreservesContent(t *testing.T) {
	data := []byte("hello kernel")
	c, err := NewBuffer(rand.Reader, Kernel, data)
	if err != nil {
		t.Fatal(err)
	}
	dir := newScratch(t)
	if err := c.Prepare(nil, true, dir); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	got := readAll(t, c)
	if !bytes.HasPrefix(got, data) {
		t.Errorf("prepared content does not start with the original data: %q", got)
	}
	for _, b := range got[len(data):] {
		if b != 0 {
			t.Fatalf("padding byte = %#x, want 0", b)
		}
	}
}

func TestPrepareEncryptsWhenNotSkipped(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, pvcrypto.PageSize)
	c, err := NewBuffer(rand.Reader, Kernel, data)
	if err != nil {
		t.Fatal(err)
	}
	key := make([]byte, pvcrypto.XTSKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatal(err)
	}
	dir := newScratch(t)
	if err := c.Prepare(key, false, dir); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	got := readAll(t, c)
	if bytes.Equal(got, data) {
		t.Fatal("prepared content equals the plaintext, encryption had no effect")
	}

	var decrypted bytes.Buffer
	if err := pvcrypto.XTSDecryptStream(key, c.Tweak[:], bytes.NewReader(got), &decrypted); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decrypted.Bytes(), data) {
		t.Fatal("decrypting the prepared content with the component's own tweak did not recover the plaintext")
	}
}

func TestNewFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewFile(rand.Reader, Kernel, dir); err == nil {
		t.Fatal("NewFile() on a directory succeeded, want error")
	}
}

func TestNewFileRejectsMissingPath(t *testing.T) {
	if _, err := NewFile(rand.Reader, Kernel, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("NewFile() on a missing path succeeded, want error")
	}
}

func TestSizeAndReaderBeforePrepareFail(t *testing.T) {
	c, err := NewBuffer(rand.Reader, Kernel, []byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Size(); err == nil {
		t.Fatal("Size() before Prepare() succeeded, want error")
	}
	if _, err := c.Reader(); err == nil {
		t.Fatal("Reader() before Prepare() succeeded, want error")
	}
}

func TestTypeName(t *testing.T) {
	tcs := []struct {
		typ  Type
		want string
	}{
		{Kernel, "kernel"},
		{Cmdline, "cmdline"},
		{Initrd, "initrd"},
		{Stage3b, "stage3b"},
		{Type(99), "unknown"},
	}
	for _, tc := range tcs {
		if got := tc.typ.Name(); got != tc.want {
			t.Errorf("Type(%d).Name() = %q, want %q", tc.typ, got, tc.want)
		}
	}
}

func TestIsStage3b(t *testing.T) {
	c, err := NewBuffer(rand.Reader, Stage3b, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsStage3b() {
		t.Error("IsStage3b() = false for a Stage3b component, want true")
	}
	c2, err := NewBuffer(rand.Reader, Kernel, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if c2.IsStage3b() {
		t.Error("IsStage3b() = true for a Kernel component, want false")
	}
}

func TestComponentTweaksDistinctPerType(t *testing.T) {
	c1, err := NewBuffer(rand.Reader, Kernel, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := NewBuffer(rand.Reader, Initrd, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if c1.Tweak == c2.Tweak {
		t.Error("tweaks for two different component types collided")
	}
}
