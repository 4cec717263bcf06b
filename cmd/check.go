// Copyright © 2016 Sidharth Kshatriya
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"log"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sidkshatriya/batchdbg/internal/version"
)

// checkCmd validates that the configured shell executable is on PATH and
// reports a version satisfying --version-constraint, the same exe-plus-semver
// probe sidkshatriya-dontbug ran against php/rr/gdb before a debug session
// was attempted.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the configured shell executable is usable",
	Run: func(cmd *cobra.Command, args []string) {
		exe := viper.GetString("shell-executable")
		if exe == "" {
			exe = "cmd.exe"
		}
		constraint := viper.GetString("version-constraint")

		path, rawVersion, err := version.Check(exe, "/?", constraint)
		if err != nil {
			log.Fatalf("batchdbg check: %v", err)
		}
		color.Green("batchdbg: found %v (version %v) at %v", exe, rawVersion, path)
	},
}

func init() {
	RootCmd.AddCommand(checkCmd)
	checkCmd.Flags().String("shell-executable", "", "the shell executable to check (default cmd.exe)")
	checkCmd.Flags().String("version-constraint", "", "a semver constraint the shell's version must satisfy, e.g. \">= 10.0.0\"")
}
