/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"stash.kopano.io/kgol/mailrouter/server/routing"
)

// Built-in environment names.
const (
	EnvironmentHomologacao = "homologacao"
	EnvironmentProducao    = "producao"
)

// environmentsFromFlags returns the environment list from the environments
// file when given, or the built-in homologacao and producao pair otherwise.
// Order matters, homologacao is checked first since its domain is a sub
// domain of the producao one.
func environmentsFromFlags() (routing.Environments, error) {
	if DefaultEnvironmentsFile != "" {
		return routing.LoadEnvironmentsFile(DefaultEnvironmentsFile)
	}

	return routing.Environments{
		{
			Name:    EnvironmentHomologacao,
			Port:    DefaultHMLAPIPort,
			Domains: routing.NormalizeDomains(DefaultHMLDomains),
			Enabled: DefaultHMLEnabled,
		},
		{
			Name:    EnvironmentProducao,
			Port:    DefaultProdAPIPort,
			Domains: routing.NormalizeDomains(DefaultProdDomains),
			Enabled: DefaultProdEnabled,
		},
	}, nil
}

func envString(target *string, name string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func envBool(target *bool, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		envErrors = append(envErrors, fmt.Errorf("%s: invalid boolean %q", name, v))
		return
	}
	*target = b
}

func envInt(target *int, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		envErrors = append(envErrors, fmt.Errorf("%s: invalid number %q", name, v))
		return
	}
	*target = i
}

// envList reads a comma or space separated list.
func envList(target *[]string, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	*target = strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' '
	})
}
