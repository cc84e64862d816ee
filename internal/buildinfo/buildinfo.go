// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import (
	"fmt"
	"runtime"
)

// Set during build via ldflags.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent is sent with every outbound indexer request.
var UserAgent = fmt.Sprintf("nzbwatch/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
