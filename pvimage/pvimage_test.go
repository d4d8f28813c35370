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
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ibm-s390-linux/genprotimg/pvcomp"
	"github.com/ibm-s390-linux/genprotimg/pvcrypto"
	"github.com/ibm-s390-linux/genprotimg/pvhdr"
	"github.com/ibm-s390-linux/genprotimg/pvscratch"
)

// deterministicReader is a fixed, seed-derived stand-in for crypto/rand.Reader: given the same
// seed and the same sequence of read sizes, it produces the same bytes every time, which is what
// lets TestEndToEndDeterministicSeedProducesReproducibleImage build byte-identical images across
// two independent runs without depending on the host's real CSPRNG.
type deterministicReader struct{ state uint64 }

func newDeterministicReader(seed uint64) *deterministicReader {
	return &deterministicReader{state: seed}
}

func (r *deterministicReader) Read(p []byte) (int, error) {
	for i := range p {
		// A fixed-increment linear congruential generator (Knuth's MMIX constants):
		// deterministic, and adequate for a test double, not for real key material.
		r.state = r.state*6364136223846793005 + 1442695040888963407
		p[i] = byte(r.state >> 56)
	}
	return len(p), nil
}

// writeHostCert writes a fresh self-signed secp521r1 host certificate and returns its path
// alongside the ECDSA private key backing it, so a test can later recover a key slot.
func writeHostCert(t *testing.T) (path string, priv *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test host"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	path = filepath.Join(t.TempDir(), "host.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		t.Fatal(err)
	}
	return path, priv
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newScratch(t *testing.T) *pvscratch.Dir {
	t.Helper()
	dir, err := pvscratch.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dir.Close() })
	return dir
}

func TestEndToEndKernelOnlyBuildEncrypted(t *testing.T) {
	ctx := context.Background()
	certPath, hostPriv := writeHostCert(t)
	kernelData := bytes.Repeat([]byte{0x7e}, pvcrypto.PageSize+17)
	kernelPath := writeFile(t, "kernel.img", kernelData)
	outPath := filepath.Join(t.TempDir(), "out.img")

	opts := &Options{
		HostCertPaths: []string{certPath},
		KernelPath:    kernelPath,
		OutputPath:    outPath,
		NoCertCheck:   true,
	}
	template := bytes.Repeat([]byte{0xaa}, 64)
	img, err := New(ctx, opts, nil, template, rand.Reader, newScratch(t))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if err := img.AddFile(ctx, pvcomp.Kernel, kernelPath); err != nil {
		t.Fatalf("AddFile() = %v", err)
	}
	if err := img.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() = %v", err)
	}
	if err := img.Write(ctx, outPath); err != nil {
		t.Fatalf("Write() = %v", err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}

	gotPSW := binary.BigEndian.Uint64(out[:8])
	// Derived independently of ShortPSW: bit 12 set, low 31 bits the entry address, and the
	// addressing-mode bits from InitialPSWMask preserved in the high bits, per
	// convert_psw_to_short_psw in the original source.
	wantPSW := InitialPSWMask | pswMaskBit12 | (img.stage3aPSWAddr & pswShortAddrMask)
	if gotPSW != wantPSW {
		t.Errorf("short PSW = %#x, want %#x", gotPSW, wantPSW)
	}

	hdr, err := pvhdr.Parse(img.sealedHeader, img.custRootKey[:])
	if err != nil {
		t.Fatalf("pvhdr.Parse() of the sealed header = %v", err)
	}
	if hdr.NEP != img.comps.NumEncryptedPages() {
		t.Errorf("parsed NEP = %d, want %d", hdr.NEP, img.comps.NumEncryptedPages())
	}
	if len(hdr.Slots) != 1 {
		t.Fatalf("len(hdr.Slots) = %d, want 1", len(hdr.Slots))
	}

	hostECDHPriv, err := hostPriv.ECDH()
	if err != nil {
		t.Fatal(err)
	}
	exchange, err := pvcrypto.ExchangeKey(hostECDHPriv, img.custPriv.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	recoveredRootKey, err := pvcrypto.GCMOpen(exchange, img.gcmIV[:], nil, hdr.Slots[0].WrappedKey[:], hdr.Slots[0].Tag[:])
	if err != nil {
		t.Fatalf("GCMOpen() on the key slot = %v", err)
	}
	if !bytes.Equal(recoveredRootKey, img.custRootKey[:]) {
		t.Fatal("the host-recoverable key slot does not unwrap to cust_root_key")
	}

	kernelComp := img.comps.Components()[0]
	size, err := kernelComp.Size()
	if err != nil {
		t.Fatal(err)
	}
	encrypted := out[kernelComp.SrcAddr : kernelComp.SrcAddr+size]
	var decrypted bytes.Buffer
	if err := pvcrypto.XTSDecryptStream(img.xtsKey[:], kernelComp.Tweak[:], bytes.NewReader(encrypted), &decrypted); err != nil {
		t.Fatalf("XTSDecryptStream() on the written kernel region = %v", err)
	}
	if !bytes.HasPrefix(decrypted.Bytes(), kernelData) {
		t.Fatal("decrypting the kernel region written to the image did not recover the original kernel content")
	}
}

func TestEndToEndNoDecryptionLeavesPlaintext(t *testing.T) {
	ctx := context.Background()
	certPath, _ := writeHostCert(t)
	kernelData := []byte("plain kernel bytes")
	kernelPath := writeFile(t, "kernel.img", kernelData)
	outPath := filepath.Join(t.TempDir(), "out.img")

	pcf := pvhdr.ControlFlagNoDecryption
	opts := &Options{
		HostCertPaths: []string{certPath},
		KernelPath:    kernelPath,
		OutputPath:    outPath,
		NoCertCheck:   true,
		PCF:           &pcf,
	}
	template := bytes.Repeat([]byte{0xaa}, 64)
	img, err := New(ctx, opts, nil, template, rand.Reader, newScratch(t))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if err := img.AddFile(ctx, pvcomp.Kernel, kernelPath); err != nil {
		t.Fatal(err)
	}
	if err := img.Finalize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := img.Write(ctx, outPath); err != nil {
		t.Fatal(err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	kernelComp := img.comps.Components()[0]
	size, err := kernelComp.Size()
	if err != nil {
		t.Fatal(err)
	}
	region := out[kernelComp.SrcAddr : kernelComp.SrcAddr+size]
	if !bytes.HasPrefix(region, kernelData) {
		t.Fatal("PCF_NO_DECRYPTION build did not leave the kernel region as plaintext")
	}
}

// TestEndToEndDeterministicSeedProducesReproducibleImage realizes spec.md §8 scenario 1's
// "deterministic seeds required" / "output byte-identical to golden file" property: with a fixed
// seed standing in for crypto/rand.Reader and the same host-certificate and kernel inputs, two
// independent builds must produce byte-identical output files, including the header's key slot
// and every encrypted region. This repo has no access to a genprotimg reference binary to bake a
// cross-implementation golden fixture from, so the property is checked as reproducibility under a
// fixed seed rather than comparison against an externally produced file; see SPEC_FULL.md §11.
func TestEndToEndDeterministicSeedProducesReproducibleImage(t *testing.T) {
	ctx := context.Background()
	certPath, _ := writeHostCert(t)
	kernelData := bytes.Repeat([]byte{0x5a}, pvcrypto.PageSize+9)
	kernelPath := writeFile(t, "kernel.img", kernelData)
	template := bytes.Repeat([]byte{0xaa}, 64)

	build := func(seed uint64) []byte {
		t.Helper()
		outPath := filepath.Join(t.TempDir(), "out.img")
		opts := &Options{
			HostCertPaths: []string{certPath},
			KernelPath:    kernelPath,
			OutputPath:    outPath,
			NoCertCheck:   true,
		}
		img, err := New(ctx, opts, nil, template, newDeterministicReader(seed), newScratch(t))
		if err != nil {
			t.Fatalf("New() = %v", err)
		}
		if err := img.AddFile(ctx, pvcomp.Kernel, kernelPath); err != nil {
			t.Fatalf("AddFile() = %v", err)
		}
		if err := img.Finalize(ctx); err != nil {
			t.Fatalf("Finalize() = %v", err)
		}
		if err := img.Write(ctx, outPath); err != nil {
			t.Fatalf("Write() = %v", err)
		}
		out, err := os.ReadFile(outPath)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	const seed = 0xc0ffee1234567890
	first := build(seed)
	second := build(seed)
	if !bytes.Equal(first, second) {
		t.Fatal("two builds from the same seed and inputs produced different output bytes")
	}

	// The short PSW at offset 0 and the stage-3a region are independent of key material, so they
	// can be checked against literal expected bytes rather than only self-consistency.
	wantPSW := InitialPSWMask | pswMaskBit12 | (stage3aEntry & pswShortAddrMask)
	if got := binary.BigEndian.Uint64(first[:8]); got != wantPSW {
		t.Errorf("short PSW = %#x, want %#x", got, wantPSW)
	}
	// Patch overwrites the template's last 16 bytes with the IPIB and header offsets: for a
	// 64-byte template and a kernel+stage3b IPIB, those are one and two pages in.
	wantStage3a := append([]byte(nil), template...)
	binary.BigEndian.PutUint64(wantStage3a[len(template)-16:], pvcrypto.PageSize)
	binary.BigEndian.PutUint64(wantStage3a[len(template)-8:], 2*pvcrypto.PageSize)
	if got := first[StageAddr3a : StageAddr3a+uint64(len(template))]; !bytes.Equal(got, wantStage3a) {
		t.Errorf("stage-3a region = %x, want the patched template bytes %x", got, wantStage3a)
	}

	third := build(seed + 1)
	if bytes.Equal(first, third) {
		t.Fatal("builds from different seeds produced identical output bytes")
	}
}

// TestEndToEndTwoHostCertsAllComponents covers spec.md §8 scenario 2: kernel + initrd + parmfile
// with two host certificates produces a header with exactly two key slots, in the certificates'
// declaration order, and cust_root_key is recoverable from each.
func TestEndToEndTwoHostCertsAllComponents(t *testing.T) {
	ctx := context.Background()
	certPath1, hostPriv1 := writeHostCert(t)
	certPath2, hostPriv2 := writeHostCert(t)
	kernelData := bytes.Repeat([]byte{0x11}, pvcrypto.PageSize+3)
	kernelPath := writeFile(t, "kernel.img", kernelData)
	initrdData := bytes.Repeat([]byte{0x22}, 500)
	initrdPath := writeFile(t, "initrd.img", initrdData)
	cmdlineData := []byte("root=/dev/ram0 console=ttyS0")
	cmdlinePath := writeFile(t, "parmfile", cmdlineData)
	outPath := filepath.Join(t.TempDir(), "out.img")

	opts := &Options{
		HostCertPaths: []string{certPath1, certPath2},
		KernelPath:    kernelPath,
		RamdiskPath:   initrdPath,
		ParmfilePath:  cmdlinePath,
		OutputPath:    outPath,
		NoCertCheck:   true,
	}
	template := bytes.Repeat([]byte{0xbb}, 64)
	img, err := New(ctx, opts, nil, template, rand.Reader, newScratch(t))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if err := img.AddFile(ctx, pvcomp.Kernel, kernelPath); err != nil {
		t.Fatalf("AddFile(kernel) = %v", err)
	}
	if err := img.AddFile(ctx, pvcomp.Cmdline, cmdlinePath); err != nil {
		t.Fatalf("AddFile(cmdline) = %v", err)
	}
	if err := img.AddFile(ctx, pvcomp.Initrd, initrdPath); err != nil {
		t.Fatalf("AddFile(initrd) = %v", err)
	}
	if err := img.Finalize(ctx); err != nil {
		t.Fatalf("Finalize() = %v", err)
	}
	if err := img.Write(ctx, outPath); err != nil {
		t.Fatalf("Write() = %v", err)
	}

	hdr, err := pvhdr.Parse(img.sealedHeader, img.custRootKey[:])
	if err != nil {
		t.Fatalf("pvhdr.Parse() of the sealed header = %v", err)
	}
	if len(hdr.Slots) != 2 {
		t.Fatalf("len(hdr.Slots) = %d, want 2", len(hdr.Slots))
	}

	for i, hostPriv := range []*ecdsa.PrivateKey{hostPriv1, hostPriv2} {
		hostECDHPriv, err := hostPriv.ECDH()
		if err != nil {
			t.Fatal(err)
		}
		exchange, err := pvcrypto.ExchangeKey(hostECDHPriv, img.custPriv.PublicKey())
		if err != nil {
			t.Fatal(err)
		}
		recovered, err := pvcrypto.GCMOpen(exchange, img.gcmIV[:], nil, hdr.Slots[i].WrappedKey[:], hdr.Slots[i].Tag[:])
		if err != nil {
			t.Fatalf("slot %d: GCMOpen() = %v", i, err)
		}
		if !bytes.Equal(recovered, img.custRootKey[:]) {
			t.Errorf("slot %d (declaration order) does not unwrap to cust_root_key", i)
		}
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(img.comps.Components()) != 4 { // kernel, cmdline, initrd, stage3b
		t.Fatalf("len(components) = %d, want 4", len(img.comps.Components()))
	}
	for _, want := range []struct {
		typ  pvcomp.Type
		data []byte
	}{
		{pvcomp.Kernel, kernelData},
		{pvcomp.Cmdline, cmdlineData},
		{pvcomp.Initrd, initrdData},
	} {
		var comp *pvcomp.Component
		for _, c := range img.comps.Components() {
			if c.Type == want.typ {
				comp = c
				break
			}
		}
		if comp == nil {
			t.Fatalf("no component of type %s in the finalized list", want.typ.Name())
		}
		size, err := comp.Size()
		if err != nil {
			t.Fatal(err)
		}
		region := out[comp.SrcAddr : comp.SrcAddr+size]
		var decrypted bytes.Buffer
		if err := pvcrypto.XTSDecryptStream(img.xtsKey[:], comp.Tweak[:], bytes.NewReader(region), &decrypted); err != nil {
			t.Fatalf("XTSDecryptStream() on the %s region = %v", want.typ.Name(), err)
		}
		if !bytes.HasPrefix(decrypted.Bytes(), want.data) {
			t.Errorf("decrypting the %s region did not recover its original content", want.typ.Name())
		}
	}
}

func TestNewRejectsCertCheckEnabled(t *testing.T) {
	certPath, _ := writeHostCert(t)
	opts := &Options{
		HostCertPaths: []string{certPath},
		KernelPath:    "irrelevant",
		OutputPath:    "irrelevant",
		NoCertCheck:   false,
	}
	if _, err := New(context.Background(), opts, nil, []byte{}, rand.Reader, newScratch(t)); err == nil {
		t.Fatal("New() with NoCertCheck=false succeeded, want error")
	}
}

func TestNewRejectsNoHostCertificates(t *testing.T) {
	opts := &Options{
		KernelPath:  "irrelevant",
		OutputPath:  "irrelevant",
		NoCertCheck: true,
	}
	if _, err := New(context.Background(), opts, nil, bytes.Repeat([]byte{0}, 32), rand.Reader, newScratch(t)); err == nil {
		t.Fatal("New() with no host certificates succeeded, want error")
	}
}

func TestNewRejectsMissizedHeaderKey(t *testing.T) {
	certPath, _ := writeHostCert(t)
	badKeyPath := writeFile(t, "header.key", []byte("too short"))
	opts := &Options{
		HostCertPaths: []string{certPath},
		KernelPath:    "irrelevant",
		OutputPath:    "irrelevant",
		NoCertCheck:   true,
		HeaderKeyPath: badKeyPath,
	}
	if _, err := New(context.Background(), opts, nil, bytes.Repeat([]byte{0}, 32), rand.Reader, newScratch(t)); err == nil {
		t.Fatal("New() with a mis-sized --header-key succeeded, want error")
	}
}

func TestAddFileRejectsDirectory(t *testing.T) {
	certPath, _ := writeHostCert(t)
	opts := &Options{
		HostCertPaths: []string{certPath},
		KernelPath:    "irrelevant",
		OutputPath:    "irrelevant",
		NoCertCheck:   true,
	}
	img, err := New(context.Background(), opts, nil, bytes.Repeat([]byte{0}, 32), rand.Reader, newScratch(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := img.AddFile(context.Background(), pvcomp.Kernel, t.TempDir()); err == nil {
		t.Fatal("AddFile() on a directory succeeded, want error")
	}
}

func TestWriteBeforeFinalizeFails(t *testing.T) {
	certPath, _ := writeHostCert(t)
	opts := &Options{
		HostCertPaths: []string{certPath},
		KernelPath:    "irrelevant",
		OutputPath:    "irrelevant",
		NoCertCheck:   true,
	}
	img, err := New(context.Background(), opts, nil, bytes.Repeat([]byte{0}, 32), rand.Reader, newScratch(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Write(context.Background(), filepath.Join(t.TempDir(), "out.img")); err == nil {
		t.Fatal("Write() before Finalize() succeeded, want error")
	}
}

func TestAcquireKeyRejectsWrongSize(t *testing.T) {
	path := writeFile(t, "key", []byte("not the right length"))
	if _, err := acquireKey(path, 32, rand.Reader); err == nil {
		t.Fatal("acquireKey() with a mis-sized file succeeded, want error")
	}
}

func TestAcquireKeyGeneratesWhenPathEmpty(t *testing.T) {
	key, err := acquireKey("", 32, rand.Reader)
	if err != nil {
		t.Fatalf("acquireKey() = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("len(key) = %d, want 32", len(key))
	}
}
