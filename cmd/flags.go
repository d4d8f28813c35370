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
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// hexUint64Flag parses the ASCII-hexadecimal --x-pcf/--x-scf/--x-psw overrides into a *uint64
// that stays nil until the flag is actually set, so callers can tell "not given" apart from
// "given as 0".
type hexUint64Flag struct {
	v **uint64
}

func (h *hexUint64Flag) String() string {
	if h.v == nil || *h.v == nil {
		return ""
	}
	return fmt.Sprintf("%#x", **h.v)
}

func (h *hexUint64Flag) Set(value string) error {
	s := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("must be ASCII hexadecimal, got %q: %w", value, err)
	}
	*h.v = &n
	return nil
}

func (h *hexUint64Flag) Type() string { return "hex" }

// addHexUint64Flag registers a --name flag that parses into a *uint64, left nil if never set.
func addHexUint64Flag(cmd *cobra.Command, v **uint64, name, usage string) {
	cmd.Flags().AddGoFlag(&flag.Flag{
		Name:  name,
		Value: &hexUint64Flag{v: v},
		Usage: usage,
	})
}
