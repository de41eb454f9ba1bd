/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/mailrouter/version"
)

// RootCmd provides the commandline parser root.
var RootCmd = &cobra.Command{
	Use:   "mailrouter",
	Short: "Distribute mail from the MTA hand-off pipe to backend environments",
}

func init() {
	RootCmd.AddCommand(commandVersion())
}

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stdout, "Version    : %s\n", version.Version)
			fmt.Fprintf(os.Stdout, "Build date : %s\n", version.BuildDate)
		},
	}
}
