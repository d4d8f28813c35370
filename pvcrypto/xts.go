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
	"encoding/binary"
	"io"

	"github.com/ibm-s390-linux/genprotimg/pverror"
)

// tweak128 is the 16-byte AES-XTS tweak, interpreted as a big-endian 128-bit integer when
// advancing to the next page. This is distinct from the little-endian GF(2^128) doubling the XTS
// block cipher itself performs between the 16-byte sub-blocks of a single page.
type tweak128 [16]byte

// addPage advances t by PageSize, treating t as a big-endian unsigned 128-bit integer, matching
// the per-page tweak re-keying genprotimg's original implementation performs between successive
// EVP_CipherInit_ex calls.
func (t *tweak128) addPage() {
	lo := binary.BigEndian.Uint64(t[8:])
	hi := binary.BigEndian.Uint64(t[:8])
	sum := lo + PageSize
	if sum < lo {
		hi++
	}
	binary.BigEndian.PutUint64(t[8:], sum)
	binary.BigEndian.PutUint64(t[:8], hi)
}

func splitXTSKey(key []byte) (cipher.Block, cipher.Block, error) {
	if len(key) != XTSKeySize {
		return nil, nil, cryptoErr("invalid-key-size", errLen("xts key", XTSKeySize, len(key)))
	}
	dataCipher, err := aes.NewCipher(key[:XTSKeySize/2])
	if err != nil {
		return nil, nil, cryptoErr("init", err)
	}
	tweakCipher, err := aes.NewCipher(key[XTSKeySize/2:])
	if err != nil {
		return nil, nil, cryptoErr("init", err)
	}
	return dataCipher, tweakCipher, nil
}

// mul2 doubles et in GF(2^128) under the reduction polynomial x^128+x^7+x^2+x+1, with the 16
// bytes read as a little-endian integer. This is the standard XTS "tweak advance within a sector"
// step, applied once per AES block inside a page.
func mul2(et *[16]byte) {
	var carry byte
	for i := 0; i < aes.BlockSize; i++ {
		b := et[i]
		et[i] = (b << 1) | carry
		carry = b >> 7
	}
	if carry != 0 {
		et[0] ^= 0x87
	}
}

func xtsPage(dataCipher, tweakCipher cipher.Block, twk tweak128, src, dst []byte, encrypt bool) {
	var et [16]byte
	tweakCipher.Encrypt(et[:], twk[:])
	var blk [16]byte
	for off := 0; off < len(src); off += aes.BlockSize {
		for i := 0; i < aes.BlockSize; i++ {
			blk[i] = src[off+i] ^ et[i]
		}
		if encrypt {
			dataCipher.Encrypt(blk[:], blk[:])
		} else {
			dataCipher.Decrypt(blk[:], blk[:])
		}
		for i := 0; i < aes.BlockSize; i++ {
			dst[off+i] = blk[i] ^ et[i]
		}
		mul2(&et)
	}
}

func xtsStream(key, initialTweak []byte, src io.Reader, dst io.Writer, encrypt bool) error {
	dataCipher, tweakCipher, err := splitXTSKey(key)
	if err != nil {
		return err
	}
	if len(initialTweak) != TweakSize {
		return cryptoErr("invalid-param", errLen("tweak", TweakSize, len(initialTweak)))
	}
	var t tweak128
	copy(t[:], initialTweak)
	in := make([]byte, PageSize)
	out := make([]byte, PageSize)
	for {
		n, err := io.ReadFull(src, in)
		if n == 0 && err == io.EOF {
			return nil
		}
		if err != nil {
			return pverror.New(pverror.IO, "read", err)
		}
		if n != PageSize {
			return pverror.Internal(pverror.Crypto, errLen("xts chunk", PageSize, n))
		}
		xtsPage(dataCipher, tweakCipher, t, in, out, encrypt)
		if _, err := dst.Write(out); err != nil {
			return pverror.New(pverror.IO, "write", err)
		}
		t.addPage()
	}
}

// XTSEncryptStream encrypts src, whose length must be a multiple of PageSize, writing ciphertext
// to dst; an empty src writes nothing. The tweak for page i is initialTweak + i*PageSize, treated as a big-endian
// 128-bit integer; initialTweak itself is left unmodified.
func XTSEncryptStream(key, initialTweak []byte, src io.Reader, dst io.Writer) error {
	return xtsStream(key, initialTweak, src, dst, true)
}

// XTSDecryptStream is the inverse of XTSEncryptStream.
func XTSDecryptStream(key, initialTweak []byte, src io.Reader, dst io.Writer) error {
	return xtsStream(key, initialTweak, src, dst, false)
}

// AdvanceTweak returns tweak treated as a big-endian 128-bit integer, plus PageSize: the same
// step the XTS page loop above takes between pages. ComponentList's tweak-list digest uses it to
// walk the same sequence of per-page tweaks without re-deriving them from the cipher.
func AdvanceTweak(tweak []byte) ([]byte, error) {
	if len(tweak) != TweakSize {
		return nil, cryptoErr("invalid-param", errLen("tweak", TweakSize, len(tweak)))
	}
	var t tweak128
	copy(t[:], tweak)
	t.addPage()
	return t[:], nil
}
