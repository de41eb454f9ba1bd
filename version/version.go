/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package version

// Version and BuildDate are set at build time with -ldflags.
var (
	Version   = "0.0.0-dev"
	BuildDate = "0"
)
