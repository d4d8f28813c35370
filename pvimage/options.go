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

// Options holds the request-scoped parameters a single build derives from CLI flags. It is
// intentionally a flat, CLI-shaped struct (see cmd.buildOptions), separate from the ambient
// wiring (randomness source, scratch directory, trust store) New also needs.
type Options struct {
	HostCertPaths []string
	KernelPath    string
	RamdiskPath   string
	ParmfilePath  string
	OutputPath    string

	HeaderKeyPath string // 32-byte cust_root_key override
	CompKeyPath   string // 64-byte xts_key override
	CommKeyPath   string // 32-byte cust_comm_key override

	PCF *uint64
	SCF *uint64
	PSW *uint64

	NoCertCheck bool
}

func (o *Options) pcf() uint64 {
	if o.PCF != nil {
		return *o.PCF
	}
	return 0
}

func (o *Options) scf() uint64 {
	if o.SCF != nil {
		return *o.SCF
	}
	return 0
}

func (o *Options) psw() uint64 {
	if o.PSW != nil {
		return *o.PSW
	}
	return DefaultImageEntry
}

func (o *Options) expectedComponentCount() int {
	n := 2 // kernel + stage3b
	if o.RamdiskPath != "" {
		n++
	}
	if o.ParmfilePath != "" {
		n++
	}
	return n
}
