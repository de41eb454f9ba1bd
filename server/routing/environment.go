/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package routing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoEnabledEnvironment is returned when validation finds no environment
// that may receive mail.
var ErrNoEnabledEnvironment = errors.New("no enabled environment")

// Environment is one downstream deployment target. Environments are loaded
// once at startup and never mutated afterwards.
type Environment struct {
	Name    string   `yaml:"name" json:"name"`
	Port    int      `yaml:"port" json:"port"`
	Domains []string `yaml:"domains" json:"domains"`
	Enabled bool     `yaml:"enabled" json:"enabled"`
}

// Environments is an ordered list. Order is significant, the first matching
// entry wins.
type Environments []*Environment

// Validate checks the list for usability.
func (envs Environments) Validate() error {
	seen := make(map[string]bool, len(envs))
	enabled := 0
	for idx, env := range envs {
		if env == nil || env.Name == "" {
			return fmt.Errorf("environment %d has no name", idx)
		}
		if seen[env.Name] {
			return fmt.Errorf("duplicate environment name: %s", env.Name)
		}
		seen[env.Name] = true
		if env.Port <= 0 || env.Port > 65535 {
			return fmt.Errorf("environment %s has invalid port: %d", env.Name, env.Port)
		}
		for _, domain := range env.Domains {
			if domain == "" {
				return fmt.Errorf("environment %s has empty domain", env.Name)
			}
		}
		if env.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return ErrNoEnabledEnvironment
	}
	return nil
}

// Enabled returns the names of all enabled environments in order.
func (envs Environments) Enabled() []string {
	var names []string
	for _, env := range envs {
		if env.Enabled {
			names = append(names, env.Name)
		}
	}
	return names
}

// Lookup returns the environment with the given name.
func (envs Environments) Lookup(name string) (*Environment, bool) {
	for _, env := range envs {
		if env.Name == name {
			return env, true
		}
	}
	return nil, false
}

// NormalizeDomains lower-cases and trims all domains, dropping empty entries
// and a leading "@" or ".".
func NormalizeDomains(domains []string) []string {
	result := make([]string, 0, len(domains))
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		domain = strings.TrimLeft(domain, "@.")
		if domain != "" {
			result = append(result, domain)
		}
	}
	return result
}

type environmentsFile struct {
	Environments []*Environment `yaml:"environments"`
}

// LoadEnvironmentsFile reads an ordered environment list from a YAML file of
// the form:
//
//	environments:
//	  - name: homologacao
//	    port: 3010
//	    enabled: true
//	    domains: [homologacao.mockmail.dev]
func LoadEnvironmentsFile(path string) (Environments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read environments file: %w", err)
	}

	var f environmentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse environments file: %w", err)
	}

	for _, env := range f.Environments {
		if env != nil {
			env.Domains = NormalizeDomains(env.Domains)
		}
	}

	return Environments(f.Environments), nil
}
