// Package version provides build-time version information.
package version

import "runtime/debug"

// version is set at build time via -ldflags "-X whisperlink/internal/version.version=...".
var version = "dev"

// String returns the current version. An unstamped build falls back to the
// module version recorded by the Go toolchain, if any.
func String() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}
