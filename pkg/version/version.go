// Package version exposes the server's build version as a parsed
// semver.Version, grounded on pkg/mining/service.go's handleUpdateCheck
// (the teacher's use of Masterminds/semver/v3 to compare installed vs.
// latest miner versions).
package version

import "github.com/Masterminds/semver/v3"

// Build is set at link time via -ldflags "-X .../pkg/version.Build=...".
// It defaults to a development placeholder.
var Build = "0.0.0-dev"

// Parsed returns Build as a semver.Version, falling back to 0.0.0-dev if
// Build was set to something unparsable by an ad-hoc -ldflags value.
func Parsed() *semver.Version {
	v, err := semver.NewVersion(Build)
	if err != nil {
		v = semver.MustParse("0.0.0-dev")
	}
	return v
}

// String returns the normalized semver string for the current build.
func String() string {
	return Parsed().String()
}

// NewerThan reports whether candidate (a semver string) is strictly
// newer than the running build, for use by an operator comparing against
// a released version. Returns false (not an error) if candidate does not
// parse, since an unparsable remote version is not a reason to claim an
// update is available.
func NewerThan(candidate string) bool {
	c, err := semver.NewVersion(candidate)
	if err != nil {
		return false
	}
	return c.GreaterThan(Parsed())
}
