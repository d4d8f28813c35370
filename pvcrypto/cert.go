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
	"crypto/ecdsa"
	"crypto/ecdh"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"
)

// PemToCertificate parses a single PEM-encoded "CERTIFICATE" block.
func PemToCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, rest := pem.Decode(pemBytes)
	if block == nil {
		return nil, cryptoErr("read-certificate", fmt.Errorf("could not decode PEM certificate"))
	}
	if block.Type != "CERTIFICATE" {
		return nil, cryptoErr("read-certificate", fmt.Errorf("expected a CERTIFICATE PEM block, got %q", block.Type))
	}
	if len(rest) != 0 {
		return nil, cryptoErr("read-certificate", fmt.Errorf("expected a single certificate, got %d trailing bytes", len(rest)))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, cryptoErr("read-certificate", err)
	}
	return cert, nil
}

// VerifyAgainstStore checks that cert chains to a root in store at now. A nil store always
// succeeds: the caller is expected to gate this on whether verification was actually requested.
func VerifyAgainstStore(cert *x509.Certificate, store *x509.CertPool, now time.Time) error {
	if store == nil {
		return nil
	}
	if _, err := cert.Verify(x509.VerifyOptions{Roots: store, CurrentTime: now}); err != nil {
		return cryptoErr("verification", err)
	}
	return nil
}

// ECPubkeyFromCertificate extracts cert's SPKI as an ecdh.PublicKey, rejecting any key not on
// Curve().
func ECPubkeyFromCertificate(cert *x509.Certificate) (*ecdh.PublicKey, error) {
	ecPub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, cryptoErr("read-certificate", fmt.Errorf("certificate public key is %T, want *ecdsa.PublicKey", cert.PublicKey))
	}
	pub, err := ecPub.ECDH()
	if err != nil {
		return nil, cryptoErr("read-certificate", err)
	}
	if pub.Curve() != Curve() {
		return nil, cryptoErr("read-certificate", fmt.Errorf("certificate key is not on secp521r1"))
	}
	return pub, nil
}
