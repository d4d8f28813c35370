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

// Command genprotimg builds an IBM Z / LinuxONE Secure Execution image from a kernel and its
// optional ramdisk and parameter file.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/ibm-s390-linux/genprotimg/cmd"
)

func main() {
	app := &cmd.AppComponents{
		Global: &cmd.PartialComponent{},
		Rand:   rand.Reader,
	}
	root := cmd.MakeApp(context.Background(), app)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
