/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"fmt"
	"strings"
)

// GetDomainFromEmail returns the lower case domain part as defined in RFC 5322
// of the provided email address. Surrounding angle brackets are ignored.
func GetDomainFromEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	email = strings.TrimSuffix(strings.TrimPrefix(email, "<"), ">")
	at := strings.LastIndex(email, "@")
	if at >= 0 && at < len(email)-1 {
		return strings.ToLower(email[at+1:]), nil
	}

	return "", fmt.Errorf("no domain in value: %v", email)
}
