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
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sidkshatriya/batchdbg/internal/dapsession"
	"github.com/sidkshatriya/batchdbg/internal/logging"
)

// debugCmd represents the debug command: it starts a DAP session on stdio,
// the transport every DAP-speaking editor launches an adapter process with.
var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Start a Debug Adapter Protocol session on stdio",
	Run: func(cmd *cobra.Command, args []string) {
		logging.Verboseln("batchdbg: starting DAP session on stdio")

		stopOnEntry := viper.GetBool("stop-on-entry")
		shellExecutable := viper.GetString("shell-executable")
		if f := cmd.Flags().Lookup("shell-executable"); f != nil && f.Changed {
			shellExecutable = f.Value.String()
		}

		sess := dapsession.New(os.Stdin, os.Stdout, shellExecutable, stopOnEntry)
		if err := sess.Run(context.Background()); err != nil {
			log.Fatalf("dap session ended with error: %v", err)
		}
	},
}

func init() {
	RootCmd.AddCommand(debugCmd)
	debugCmd.Flags().Bool("stop-on-entry", false, "stop at the first executable line if the launch request doesn't say otherwise")
	debugCmd.Flags().String("shell-executable", "", "the shell executable to drive (default is the platform default, e.g. cmd.exe on Windows)")
}
