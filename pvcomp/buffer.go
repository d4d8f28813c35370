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

// Package pvcomp models the image's payload pieces: the kernel, initrd, command line and the
// generated stage-3b, each either buffer- or file-backed, and their page alignment and
// encryption into the scratch directory.
package pvcomp

import (
	"bytes"
	"io"
	"os"

	"github.com/ibm-s390-linux/genprotimg/pverror"
	"github.com/ibm-s390-linux/genprotimg/pvcrypto"
)

// storage is the tagged-variant capability set a component's backing needs, whether it is an
// owned in-memory buffer or a path to a file on disk.
type storage interface {
	size() (uint64, error)
	reader() (io.ReadCloser, error)
}

type bufStorage struct{ data []byte }

func (b *bufStorage) size() (uint64, error) { return uint64(len(b.data)), nil }
func (b *bufStorage) reader() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

type fileStorage struct {
	path       string
	statedSize uint64
}

func (f *fileStorage) size() (uint64, error) { return f.statedSize, nil }
func (f *fileStorage) reader() (io.ReadCloser, error) {
	r, err := os.Open(f.path)
	if err != nil {
		return nil, pverror.New(pverror.IO, "open", err)
	}
	return r, nil
}

func newFileStorage(path string) (*fileStorage, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, pverror.New(pverror.IO, "stat", err)
	}
	if !info.Mode().IsRegular() {
		return nil, pverror.Newf(pverror.IO, "file-type", "%q is not a regular file", path)
	}
	return &fileStorage{path: path, statedSize: uint64(info.Size())}, nil
}

// padToPage reads all of r, zero-padding to the next PageSize boundary, and returns the padded
// content along with the number of bytes actually read. An empty input still produces exactly
// one zero page.
func padToPage(r io.Reader) ([]byte, int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, pverror.New(pverror.IO, "read", err)
	}
	n := len(data)
	padded := n
	if padded == 0 || padded%pvcrypto.PageSize != 0 {
		padded = ((n / pvcrypto.PageSize) + 1) * pvcrypto.PageSize
	}
	out := make([]byte, padded)
	copy(out, data)
	return out, n, nil
}
