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
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// SHA256Sum returns the SHA-256 digest of data.
func SHA256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// NewSHA512 returns a fresh incremental SHA-512 digest builder, for the pld/ald/tld running
// digests ComponentList accumulates across components.
func NewSHA512() hash.Hash { return sha512.New() }
