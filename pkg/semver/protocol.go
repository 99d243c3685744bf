// Package semver checks relay protocol compatibility using semantic version constraints.
package semver

import (
	"fmt"
	"sort"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:protocol"

// ProtocolVersion is the relay protocol spoken by this build.
const ProtocolVersion = "1.0.0"

// DefaultConstraint is the range of relay protocol versions this build accepts.
const DefaultConstraint = "^1.0"

// SupportedVersions lists every relay protocol version this build can speak, oldest first.
var SupportedVersions = []string{ProtocolVersion}

// SatisfiesRange reports whether version satisfies rangeStr. Unparseable input never satisfies.
func SatisfiesRange(version, rangeStr string) bool {
	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}

	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}

	return constraint.Check(sv)
}

// Offer returns the supported versions that satisfy rangeStr, in the order of SupportedVersions.
func Offer(rangeStr string) []string {
	var offered []string
	for _, v := range SupportedVersions {
		if SatisfiesRange(v, rangeStr) {
			offered = append(offered, v)
		}
	}
	return offered
}

// CheckCompatible returns an error describing why version does not satisfy rangeStr.
func CheckCompatible(version, rangeStr string) error {
	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, rangeStr, err)
	}
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%s - invalid protocol version %q: %w", logPrefix, version, err)
	}
	if ok, errs := constraint.Validate(sv); !ok {
		if len(errs) > 0 {
			return fmt.Errorf("%s - protocol %s not accepted: %w", logPrefix, version, errs[0])
		}
		return fmt.Errorf("%s - protocol %s does not satisfy %s", logPrefix, version, rangeStr)
	}
	return nil
}

// Negotiate picks the highest offered version satisfying rangeStr.
// Offered entries that do not parse are ignored.
func Negotiate(offered []string, rangeStr string) (string, error) {
	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return "", fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, rangeStr, err)
	}

	var candidates []*masterminds.Version
	for _, o := range offered {
		sv, err := masterminds.NewVersion(o)
		if err != nil {
			continue
		}
		if constraint.Check(sv) {
			candidates = append(candidates, sv)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%s - none of %v satisfies %s", logPrefix, offered, rangeStr)
	}
	sort.Sort(sort.Reverse(masterminds.Collection(candidates)))
	return candidates[0].Original(), nil
}
