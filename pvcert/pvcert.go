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

// Package pvcert loads host certificates and extracts the secp521r1 public key the image
// builder needs to address a per-host key slot at. Chain verification against a trust root is a
// pluggable collaborator: the store is nil, and verification skipped, unless the caller supplies
// CA certificates (genprotimg's --cert-chain), in which case every host certificate is verified
// against them.
package pvcert

import (
	"crypto/ecdh"
	"crypto/x509"
	"os"
	"time"

	"github.com/ibm-s390-linux/genprotimg/pverror"
	"github.com/ibm-s390-linux/genprotimg/pvcrypto"
)

// LoadHostKey reads the PEM certificate at path, optionally verifies it against store, and
// returns its secp521r1 public key.
func LoadHostKey(store *x509.CertPool, path string) (*ecdh.PublicKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, pverror.New(pverror.IO, "open", err)
	}
	cert, err := pvcrypto.PemToCertificate(pemBytes)
	if err != nil {
		return nil, err
	}
	if err := pvcrypto.VerifyAgainstStore(cert, store, time.Now()); err != nil {
		return nil, err
	}
	return pvcrypto.ECPubkeyFromCertificate(cert)
}

// LoadTrustStore reads zero or more PEM-encoded CA certificate files into an x509.CertPool. An
// empty list returns a nil pool, meaning "skip verification" to callers of LoadHostKey.
func LoadTrustStore(paths []string) (*x509.CertPool, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	pool := x509.NewCertPool()
	for _, p := range paths {
		pemBytes, err := os.ReadFile(p)
		if err != nil {
			return nil, pverror.New(pverror.IO, "open", err)
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, pverror.Newf(pverror.Crypto, "read-certificate", "no certificates found in %q", p)
		}
	}
	return pool, nil
}
