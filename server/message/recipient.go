/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package message

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoRecipient is returned when no routable To address can be found.
var ErrNoRecipient = errors.New("no to address")

var (
	toHeaderRe     = regexp.MustCompile(`(?im)^to:[ \t]*(.*?)\r?$`)
	angleAddressRe = regexp.MustCompile(`<([^<>]*)>`)
)

// ExtractRecipient returns the lower-cased recipient address of the first To
// header found in raw. An address in angle brackets is preferred, otherwise
// the whole header value is used when it contains an @. The second return
// value is false when nothing usable was found.
func ExtractRecipient(raw []byte) (string, bool) {
	match := toHeaderRe.FindSubmatch(raw)
	if match == nil {
		return "", false
	}
	value := strings.TrimSpace(string(match[1]))

	for _, m := range angleAddressRe.FindAllStringSubmatch(value, -1) {
		address := strings.TrimSpace(m[1])
		if strings.Contains(address, "@") {
			return strings.ToLower(address), true
		}
	}

	if strings.Contains(value, "@") {
		return strings.ToLower(value), true
	}

	return "", false
}

// Recipient is like ExtractRecipient but reports absence as ErrNoRecipient.
func Recipient(m *RawMessage) (string, error) {
	address, ok := ExtractRecipient(m.Data)
	if !ok {
		return "", ErrNoRecipient
	}
	return address, nil
}
