/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package routing

import (
	"errors"
	"strings"
)

// ErrUnknownDomain is returned when no environment accepts a recipient.
var ErrUnknownDomain = errors.New("unknown domain")

// Router maps recipient addresses to environments. It holds no state beyond
// its configuration and evaluates every address from scratch.
type Router struct {
	environments Environments

	rootDomain          string
	fallbackEnvironment string
}

// NewRouter creates a Router. When rootDomain and fallback are both set,
// recipients below rootDomain which match no environment are routed to the
// environment named fallback, provided it is enabled.
func NewRouter(environments Environments, rootDomain, fallback string) *Router {
	return &Router{
		environments: environments,

		rootDomain:          strings.ToLower(strings.Trim(rootDomain, ". ")),
		fallbackEnvironment: fallback,
	}
}

// DomainOf returns the part after the last @ of address.
func DomainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return address[at+1:]
}

// MatchDomain reports whether domain equals pattern or is a subdomain of it.
func MatchDomain(domain, pattern string) bool {
	if domain == "" || pattern == "" {
		return false
	}
	return domain == pattern || strings.HasSuffix(domain, "."+pattern)
}

// Route selects the environment for the lower-cased recipient address.
func (r *Router) Route(address string) (*Environment, error) {
	domain := DomainOf(address)
	if domain == "" {
		return nil, ErrUnknownDomain
	}

	for _, env := range r.environments {
		if !env.Enabled {
			continue
		}
		for _, pattern := range env.Domains {
			if MatchDomain(domain, pattern) {
				return env, nil
			}
		}
	}

	if r.rootDomain != "" && r.fallbackEnvironment != "" && MatchDomain(domain, r.rootDomain) {
		if env, ok := r.environments.Lookup(r.fallbackEnvironment); ok && env.Enabled {
			return env, nil
		}
	}

	return nil, ErrUnknownDomain
}
