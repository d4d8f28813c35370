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

package pvcrypto

import (
	"encoding/binary"
	"io"
)

// Random reads n cryptographically secure random bytes from src. src is almost always
// crypto/rand.Reader; tests substitute a deterministic reader to get reproducible fixtures.
func Random(src io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, cryptoErr("randomization", err)
	}
	return buf, nil
}

// GenerateTweak returns a fresh 16-byte component tweak: the first 2 bytes are compType
// big-endian, the next 6 are drawn from src, and the last 8 (the per-page counter) are zero.
func GenerateTweak(src io.Reader, compType uint16) ([]byte, error) {
	tweak := make([]byte, TweakSize)
	binary.BigEndian.PutUint16(tweak[:2], compType)
	r, err := Random(src, 6)
	if err != nil {
		return nil, err
	}
	copy(tweak[2:8], r)
	return tweak, nil
}
