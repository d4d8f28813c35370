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

package pvimage

import (
	"crypto/ecdh"
	"crypto/sha256"

	"github.com/ibm-s390-linux/genprotimg/pvcrypto"
	"github.com/ibm-s390-linux/genprotimg/pvhdr"
)

// buildKeySlots wraps custRootKey once per host key, in declaration order, keyed by that host's
// ECDH exchange key with custPriv. All slots reuse gcmIV: the exchange key, not the IV, is what
// makes each wrapping unique.
func buildKeySlots(custPriv *ecdh.PrivateKey, hostKeys []*ecdh.PublicKey, custRootKey, gcmIV []byte) ([]pvhdr.KeySlot, error) {
	slots := make([]pvhdr.KeySlot, len(hostKeys))
	for i, h := range hostKeys {
		digest := sha256.Sum256(pvcrypto.RawPoint(h))

		exchange, err := pvcrypto.ExchangeKey(custPriv, h)
		if err != nil {
			return nil, err
		}
		wrapped, tag, err := pvcrypto.GCMSeal(exchange, gcmIV, nil, custRootKey)
		if err != nil {
			return nil, err
		}

		slots[i].DigestKey = digest
		copy(slots[i].WrappedKey[:], wrapped)
		copy(slots[i].Tag[:], tag)
	}
	return slots, nil
}
