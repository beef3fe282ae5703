// SPDX-License-Identifier: MIT

package version

var (
	// Version is the release tag of this build. Set via ldflags; the
	// fallback marks a developer build.
	Version = "v0.1.0-dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
