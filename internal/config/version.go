package config

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemaVersion is the major.minor version stamped into config files.
// A new major means the file layout changed incompatibly.
type SchemaVersion struct {
	Major int
	Minor int
}

// SupportedVersions lists the schema majors this build can read.
var SupportedVersions = []SchemaVersion{{Major: 1, Minor: 0}}

// ParseVersion reads "X.Y". Files without a version are treated as 1.0,
// which predates the version field.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		return SchemaVersion{Major: 1, Minor: 0}, nil
	}

	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return SchemaVersion{}, fmt.Errorf("invalid version %q, expected X.Y", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid major version %q", major)
	}
	min, err := strconv.Atoi(minor)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid minor version %q", minor)
	}
	return SchemaVersion{Major: maj, Minor: min}, nil
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare orders versions: -1 when v is older than other, 1 when newer.
func (v SchemaVersion) Compare(other SchemaVersion) int {
	switch {
	case v.Major != other.Major:
		if v.Major < other.Major {
			return -1
		}
		return 1
	case v.Minor != other.Minor:
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// IsSupportedVersion accepts any minor of a supported major; minors are
// additive by contract.
func IsSupportedVersion(v SchemaVersion) bool {
	for _, s := range SupportedVersions {
		if s.Major == v.Major {
			return true
		}
	}
	return false
}
