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

// Package pvscratch owns the process-wide scratch directory components are prepared into, and
// its cleanup on both normal exit and signal-driven interruption.
package pvscratch

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/ibm-s390-linux/genprotimg/pverror"
)

// Dir is an owned scratch directory. The zero value is a Dir that has not claimed a directory on
// disk; Close on it is a no-op, which keeps cleanup safe to call from an error path that ran
// before New succeeded.
type Dir struct {
	path string
}

// New creates a fresh scratch directory under the system temp directory, named uniquely with a
// generated UUID to avoid colliding with a concurrent invocation.
func New() (*Dir, error) {
	path := filepath.Join(os.TempDir(), "genprotimg-"+uuid.NewString())
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, pverror.New(pverror.IO, "open", err)
	}
	return &Dir{path: path}, nil
}

// Create opens a fresh file named name within the scratch directory for writing, truncating any
// existing content.
func (d *Dir) Create(name string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(d.path, name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, pverror.New(pverror.IO, "open", err)
	}
	return f, nil
}

// Close removes the scratch directory and everything in it. It is safe to call on a zero-value
// Dir or to call more than once.
func (d *Dir) Close() error {
	if d == nil || d.path == "" {
		return nil
	}
	err := os.RemoveAll(d.path)
	d.path = ""
	if err != nil {
		return pverror.New(pverror.IO, "remove", err)
	}
	return nil
}

// WatchSignals removes d on SIGINT/SIGTERM and terminates the process with a nonzero exit code,
// so an interrupted build never leaks its scratch directory. The returned stop function must be
// called once the caller's own cleanup path has run, before the program would otherwise exit.
func WatchSignals(d *Dir) (stop func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-c:
			d.Close()
			os.Exit(1)
		case <-done:
		}
	}()
	return func() {
		close(done)
		signal.Stop(c)
	}
}
