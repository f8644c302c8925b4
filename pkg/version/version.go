// Package version exposes the build version of kitwatch.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is overridden at build time:
//
//	go build -ldflags "-X github.com/kitwatch/kitwatch/pkg/version.Version=1.2.0"
var Version = "0.1.0-dev"

const fallback = "0.0.0"

// Semver parses Version, falling back to 0.0.0 when it is not valid SemVer.
func Semver() *semver.Version {
	v, err := semver.NewVersion(Version)
	if err != nil {
		return semver.MustParse(fallback)
	}
	return v
}

// String returns the normalized version without a leading "v".
func String() string {
	return Semver().String()
}

// UserAgent is the default User-Agent header for outbound requests.
func UserAgent() string {
	return fmt.Sprintf("kitwatch/%s", String())
}
