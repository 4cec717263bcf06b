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
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sidkshatriya/batchdbg/internal/logging"
)

var cfgFile string

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "batchdbg",
	Short: "batchdbg is a source-level debugger for Windows batch scripts.\nCopyright (c) Sidharth Kshatriya 2016",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().BoolP("verbose", "v", false, "print more messages to know what batchdbg is doing")
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.batchdbg.yaml)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".batchdbg")
		viper.AddConfigPath("$HOME")
	}
	viper.AutomaticEnv()
	viper.SetConfigType("yaml")

	viper.BindPFlag("stop-on-entry", debugCmd.Flags().Lookup("stop-on-entry"))
	viper.BindPFlag("shell-executable", debugCmd.Flags().Lookup("shell-executable"))
	viper.BindPFlag("shell-executable", checkCmd.Flags().Lookup("shell-executable"))
	viper.BindPFlag("version-constraint", checkCmd.Flags().Lookup("version-constraint"))

	viper.BindPFlag("verbose", RootCmd.PersistentFlags().Lookup("verbose"))

	viper.SetDefault("shell-executable", "")
	viper.SetDefault("version-constraint", "")

	viper.RegisterAlias("stop_on_entry", "stop-on-entry")
	viper.RegisterAlias("shell_executable", "shell-executable")
	viper.RegisterAlias("version_constraint", "version-constraint")

	if err := viper.ReadInConfig(); err == nil {
		color.Yellow("batchdbg: Using config file: %v", viper.ConfigFileUsed())
	}

	logging.Enabled = viper.GetBool("verbose")
}
