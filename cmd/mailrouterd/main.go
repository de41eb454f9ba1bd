/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package main

import (
	"fmt"
	"os"

	"stash.kopano.io/kgol/mailrouter/cmd"
	"stash.kopano.io/kgol/mailrouter/cmd/mailrouterd/common"
	"stash.kopano.io/kgol/mailrouter/cmd/mailrouterd/gen"
	"stash.kopano.io/kgol/mailrouter/cmd/mailrouterd/serve"
	"stash.kopano.io/kgol/mailrouter/cmd/mailrouterd/status"
)

func main() {
	cmd.RootCmd.Use = "mailrouterd"

	cmd.RootCmd.PersistentFlags().StringVarP(&common.DefaultEnvConfigFile, "config", "c", common.DefaultEnvConfigFile, "Full path to config file")

	cmd.RootCmd.AddCommand(serve.CommandServe())
	cmd.RootCmd.AddCommand(status.CommandStatus())
	cmd.RootCmd.AddCommand(gen.CommandGen())

	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
