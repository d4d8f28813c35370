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

// Package pvcrypto implements the fixed set of cryptographic primitives the image builder uses:
// AES-256-GCM sealing, AES-256-XTS page encryption with an externally-supplied tweak, ECDH key
// agreement on secp521r1 and its exchange-key KDF, and the digest/random/certificate helpers the
// rest of the module is built on.
package pvcrypto

import "github.com/ibm-s390-linux/genprotimg/pverror"

// PageSize is the granularity at which components are padded, encrypted, and addressed.
const PageSize = 4096

// Sizes, in bytes, of the fixed-width key material the image builder handles.
const (
	GCMKeySize  = 32
	GCMIVSize   = 12
	GCMTagSize  = 16
	XTSKeySize  = 64
	SHA256Size  = 32
	SHA512Size  = 64
	RawCoordLen = 66 // zero-padded big-endian length of a secp521r1 affine coordinate
	RawPointLen = 2 * RawCoordLen
	TweakSize   = 16
)

func cryptoErr(code string, err error) error {
	return pverror.New(pverror.Crypto, code, err)
}
