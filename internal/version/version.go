// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package version holds build information stamped with -ldflags:
//
//	-X github.com/platformbuilds/storagebridge/internal/version.version=v0.3.0
package version

import "fmt"

var (
	version   = "unknown"
	commit    = "unknown"
	buildDate = "unknown"
)

func Version() string   { return version }
func Commit() string    { return commit }
func BuildDate() string { return buildDate }

// String formats the build information for -version output.
func String() string {
	return fmt.Sprintf("storagebridge %s (commit %s, built %s)", version, commit, buildDate)
}

// UserAgent is sent with every request to a storage array.
func UserAgent() string {
	return "storagebridge/" + version
}
