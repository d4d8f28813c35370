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

	"github.com/ibm-s390-linux/genprotimg/cmd/output"
	"github.com/spf13/cobra"
)

// makeRootCmd creates the genprotimg entrypoint: a single command that builds a Secure Execution
// image, since the tool has no secondary operations to dispatch between.
func makeRootCmd(ctx0 context.Context, app *AppComponents) *cobra.Command {
	flags := &output.Options{}
	ctx := output.NewContext(ctx0, flags)
	b := &buildOptions{}
	var verbosity int
	cmd := &cobra.Command{
		Use:   "genprotimg",
		Short: "Builds an IBM Z / LinuxONE Secure Execution image",
		Long: `genprotimg assembles a kernel, optional ramdisk, and optional parameter file into a single
Secure Execution image: it encrypts every component with a fresh customer key, wraps that key once
per host certificate, and emits a PV header the Ultravisor consumes to unpack the image at boot.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbosity > 0 {
				flags.Verbose = true
			}
			if err := flags.Validate(cmd); err != nil {
				return err
			}
			if app.Global != nil {
				if err := app.Global.PersistentPreRunE(cmd, args); err != nil {
					return err
				}
			}
			return b.validate()
		},
		RunE: ComposeRun(app.Global, func(ctx context.Context) error {
			return runBuild(ctx, b, app.Rand)
		}),
	}
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetContext(ctx)
	if app.Global != nil {
		app.Global.AddFlags(cmd)
	}
	flags.AddFlags(cmd)
	b.addFlags(cmd)
	cmd.Version = version
	cmd.Flags().BoolP("version", "v", false, "print the version and exit")
	cmd.Flags().CountVarP(&verbosity, "x-verbosity", "V", "increase verbosity")
	cmd.Flags().MarkHidden("x-verbosity")
	return cmd
}

// version is the tool's reported version string.
const version = "0.1.0"
