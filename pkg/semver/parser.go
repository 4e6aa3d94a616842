// Package semver parses domain references and checks service versions against ranges.
package semver

import (
	"fmt"
	"regexp"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:parser"

// DomainRef is a dependency on a domain, optionally pinned to a version range.
type DomainRef struct {
	// Domain name (e.g., "auth")
	Domain string
	// Version range if specified (e.g., "^1.2.0", "1", ""); empty string means any version
	Range string
	// Raw input string
	Raw string
}

var (
	domainNameRegex  = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	handlerNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
	majorOnlyRegex   = regexp.MustCompile(`^\d+$`)
)

// ParseDomainRef parses a domain reference.
//
// Supported formats:
//   - auth            (any version)
//   - auth@1          (major only)
//   - auth@1.4.2      (exact version)
//   - auth@^1.2.0     (caret range)
//   - auth@>=1.0.0    (comparison range)
func ParseDomainRef(input string) (*DomainRef, error) {
	raw := strings.TrimSpace(input)

	name, rangeStr, _ := strings.Cut(raw, "@")
	if !ValidateDomainName(name) {
		return nil, fmt.Errorf("%s - invalid domain name in %q", logPrefix, raw)
	}
	if rangeStr != "" && !IsMajorOnly(rangeStr) {
		if _, err := masterminds.NewConstraint(rangeStr); err != nil {
			return nil, fmt.Errorf("%s - invalid version range in %q: %w", logPrefix, raw, err)
		}
	}

	return &DomainRef{Domain: name, Range: rangeStr, Raw: raw}, nil
}

// ParseDomainRefs parses a list of references, skipping blanks.
func ParseDomainRefs(inputs []string) ([]DomainRef, error) {
	var refs []DomainRef
	for _, in := range inputs {
		if strings.TrimSpace(in) == "" {
			continue
		}
		ref, err := ParseDomainRef(in)
		if err != nil {
			return nil, err
		}
		refs = append(refs, *ref)
	}
	return refs, nil
}

// String renders the reference back to "domain[@range]".
func (r DomainRef) String() string {
	if r.Range != "" {
		return r.Domain + "@" + r.Range
	}
	return r.Domain
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// SatisfiesRange checks if a version string satisfies a range. An empty range accepts
// any version, including an empty one.
func SatisfiesRange(version, rangeStr string) bool {
	if rangeStr == "" {
		return true
	}

	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}

	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// ValidateDomainName validates a domain name (lowercase, alphanumeric, hyphens). Dots are
// excluded because they separate subject tokens.
func ValidateDomainName(name string) bool {
	return domainNameRegex.MatchString(name)
}

// ValidateHandlerName validates a handler name (a single subject token).
func ValidateHandlerName(name string) bool {
	return handlerNameRegex.MatchString(name)
}
