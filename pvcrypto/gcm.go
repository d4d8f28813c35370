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
	"crypto/aes"
	"crypto/cipher"
)

// GCMSeal encrypts plaintext under key/iv/aad with AES-256-GCM, returning the ciphertext followed
// by the 16-byte authentication tag. key must be 32 bytes and iv must be 12 bytes.
func GCMSeal(key, iv, aad, plaintext []byte) (ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	if len(iv) != GCMIVSize {
		return nil, nil, cryptoErr("invalid-param", errLen("iv", GCMIVSize, len(iv)))
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ct := sealed[:len(sealed)-GCMTagSize]
	return ct, sealed[len(sealed)-GCMTagSize:], nil
}

// GCMOpen decrypts ciphertext under key/iv/aad, verifying it against tag. Returns a CRYPTO/
// verification error on tag mismatch.
func GCMOpen(key, iv, aad, ciphertext, tag []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != GCMIVSize {
		return nil, cryptoErr("invalid-param", errLen("iv", GCMIVSize, len(iv)))
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, cryptoErr("verification", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != GCMKeySize {
		return nil, cryptoErr("invalid-key-size", errLen("key", GCMKeySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, cryptoErr("init", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, GCMTagSize)
	if err != nil {
		return nil, cryptoErr("init", err)
	}
	return gcm, nil
}
