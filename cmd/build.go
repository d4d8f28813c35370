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

package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/ibm-s390-linux/genprotimg/pverror"
	"github.com/ibm-s390-linux/genprotimg/pvcert"
	"github.com/ibm-s390-linux/genprotimg/pvcomp"
	"github.com/ibm-s390-linux/genprotimg/pvimage"
	"github.com/ibm-s390-linux/genprotimg/pvscratch"
)

// defaultStage3aPath is where a packaged genprotimg installation keeps its boot-shim template.
// The real tool never takes this as a CLI argument; it is baked in at build time to the
// package's data directory. x-stage3a exists only to make that path overridable for testing.
const defaultStage3aPath = "/usr/share/s390-tools/stage3a.bin"

// buildOptions holds the flags for genprotimg's single operation.
type buildOptions struct {
	hostCertPaths []string
	kernelPath    string
	ramdiskPath   string
	parmfilePath  string
	outputPath    string

	headerKeyPath string
	compKeyPath   string
	commKeyPath   string

	trustAnchorPaths []string
	noCertCheck      bool

	stage3aPath string

	pcf, scf, psw *uint64
}

func (b *buildOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&b.hostCertPaths, "host-certificate", "c", nil,
		"PEM-encoded host certificate; repeat once per host the image may run on")
	cmd.Flags().StringVarP(&b.kernelPath, "image", "i", "", "kernel image to encrypt")
	cmd.Flags().StringVarP(&b.ramdiskPath, "ramdisk", "r", "", "optional initial ramdisk")
	cmd.Flags().StringVarP(&b.parmfilePath, "parmfile", "p", "", "optional kernel parameter file")
	cmd.Flags().StringVarP(&b.outputPath, "output", "o", "", "path to write the Secure Execution image to")

	cmd.Flags().StringVar(&b.headerKeyPath, "header-key", "", "override the 32-byte header-wrapping key")
	cmd.Flags().StringVar(&b.compKeyPath, "comp-key", "", "override the 64-byte component XTS key")
	cmd.Flags().StringVar(&b.commKeyPath, "x-comm-key", "", "override the 32-byte communication key")

	cmd.Flags().StringArrayVar(&b.trustAnchorPaths, "cert-chain", nil,
		"CA certificate used to verify --host-certificate; repeatable")
	cmd.Flags().BoolVar(&b.noCertCheck, "no-cert-check", false, "disable host certificate verification")
	cmd.Flags().StringVar(&b.stage3aPath, "x-stage3a", defaultStage3aPath,
		"path to the stage-3a boot-shim template")

	addHexUint64Flag(cmd, &b.pcf, "x-pcf", "override the header's plaintext control flags")
	addHexUint64Flag(cmd, &b.scf, "x-scf", "override the header's secret control flags")
	addHexUint64Flag(cmd, &b.psw, "x-psw", "override the guest's initial instruction address")
}

// validate checks the parsed flags for the option-level errors spec scenario 6 expects: missing
// required flags fail fast as a parse error, before any scratch state is created.
func (b *buildOptions) validate() error {
	if len(b.hostCertPaths) == 0 {
		return pverror.Newf(pverror.Parse, "missing-option", "at least one --host-certificate is required")
	}
	if b.kernelPath == "" {
		return pverror.Newf(pverror.Parse, "missing-option", "--image is required")
	}
	if b.outputPath == "" {
		return pverror.Newf(pverror.Parse, "missing-option", "--output is required")
	}
	if !b.noCertCheck {
		return pverror.Newf(pverror.Parse, "missing-option", "--no-cert-check is required")
	}
	return nil
}

func (b *buildOptions) imageOptions() *pvimage.Options {
	return &pvimage.Options{
		HostCertPaths: b.hostCertPaths,
		KernelPath:    b.kernelPath,
		RamdiskPath:   b.ramdiskPath,
		ParmfilePath:  b.parmfilePath,
		OutputPath:    b.outputPath,
		HeaderKeyPath: b.headerKeyPath,
		CompKeyPath:   b.compKeyPath,
		CommKeyPath:   b.commKeyPath,
		PCF:           b.pcf,
		SCF:           b.scf,
		PSW:           b.psw,
		NoCertCheck:   b.noCertCheck,
	}
}

// runBuild drives one full genprotimg build: it claims a scratch directory, loads the trust
// store and stage-3a template, constructs the image, populates it with the requested
// components in type order, finalizes it, and writes it out. The scratch directory is removed
// on every exit path, including a SIGINT/SIGTERM received mid-build.
func runBuild(ctx context.Context, b *buildOptions, rand io.Reader) (err error) {
	dir, err := pvscratch.New()
	if err != nil {
		return err
	}
	stop := pvscratch.WatchSignals(dir)
	defer stop()
	defer func() { err = multierr.Append(err, dir.Close()) }()

	trustStore, err := pvcert.LoadTrustStore(b.trustAnchorPaths)
	if err != nil {
		return err
	}

	stage3aTemplate, err := os.ReadFile(b.stage3aPath)
	if err != nil {
		return pverror.New(pverror.IO, "open", err)
	}

	img, err := pvimage.New(ctx, b.imageOptions(), trustStore, stage3aTemplate, rand, dir)
	if err != nil {
		return err
	}

	if err := img.AddFile(ctx, pvcomp.Kernel, b.kernelPath); err != nil {
		return err
	}
	if b.parmfilePath != "" {
		if err := img.AddFile(ctx, pvcomp.Cmdline, b.parmfilePath); err != nil {
			return err
		}
	}
	if b.ramdiskPath != "" {
		if err := img.AddFile(ctx, pvcomp.Initrd, b.ramdiskPath); err != nil {
			return err
		}
	}

	if err := img.Finalize(ctx); err != nil {
		return err
	}
	return img.Write(ctx, b.outputPath)
}
