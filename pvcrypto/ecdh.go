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
	"crypto/ecdh"
	"crypto/sha256"
	"io"
)

// Curve is the fixed curve (secp521r1 / NIST P-521) every EC key in the image builder lives on.
func Curve() ecdh.Curve { return ecdh.P521() }

// GenECKey generates a fresh key pair on Curve(), reading randomness from src.
func GenECKey(src io.Reader) (*ecdh.PrivateKey, error) {
	priv, err := Curve().GenerateKey(src)
	if err != nil {
		return nil, cryptoErr("keygen", err)
	}
	return priv, nil
}

// RawPoint returns the affine (x, y) coordinates of pub, each zero-padded big-endian to
// RawCoordLen bytes and concatenated, matching evp_pub_to_raw in the original tool.
func RawPoint(pub *ecdh.PublicKey) []byte {
	// ecdh.PublicKey.Bytes returns the uncompressed SEC1 point 0x04 || X || Y, with X and Y
	// already fixed-width per curve, so stripping the leading byte is sufficient.
	b := pub.Bytes()
	return b[1:]
}

// ECDHDerive returns the raw shared secret (the affine x-coordinate of priv*pub, RawCoordLen
// bytes on secp521r1).
func ECDHDerive(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, cryptoErr("derive", err)
	}
	return shared, nil
}

// ExchangeKey computes the NIST SP 800-56A single-step SHA-256 KDF over the ECDH shared secret of
// priv and pub, with a one-block big-endian counter of 1 appended to the 66-byte shared secret
// before hashing, yielding the 32-byte symmetric key used to wrap a host's key slot.
func ExchangeKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	shared, err := ECDHDerive(priv, pub)
	if err != nil {
		return nil, err
	}
	var buf [RawCoordLen + 4]byte
	copy(buf[:], shared)
	buf[RawCoordLen+3] = 1
	sum := sha256.Sum256(buf[:])
	return sum[:], nil
}
