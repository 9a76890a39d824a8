// Package version reports the gatewaykit build version.
//
// Commit is normally set with -ldflags; when it is empty the VCS revision
// recorded by the Go toolchain is used instead.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Commit is the git commit this binary was built from.
var Commit string

// preReleaseAlphabet is the set of characters semver allows in pre-release
// identifiers.
const preReleaseAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

const (
	major uint = 0
	minor uint = 4
	patch uint = 0

	preRelease = "beta"
)

// Version returns the semantic version, e.g. "0.4.0-beta".
func Version() string {
	v := fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if pre := keepOnly(preRelease, preReleaseAlphabet); pre != "" {
		v += "-" + pre
	}
	return v
}

// RichVersion returns Version followed by the commit and Go runtime.
func RichVersion() string {
	parts := []string{Version()}
	if c := commit(); c != "" {
		parts = append(parts, "commit="+c)
	}
	parts = append(parts, "go="+runtime.Version())
	return strings.Join(parts, " ")
}

// UserAgent identifies this client to gateways.
func UserAgent() string {
	return fmt.Sprintf("gatewaykit/%s (%s/%s)", Version(), runtime.GOOS, runtime.GOARCH)
}

func commit() string {
	if c := strings.TrimSpace(Commit); c != "" {
		return c
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return s.Value[:12]
		}
	}
	return ""
}

func keepOnly(s, alphabet string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(alphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
