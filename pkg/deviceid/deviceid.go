// Package deviceid validates and normalizes device identifiers.
//
// Devices identify themselves with either a legacy UUID or a composite
// project-scoped identifier of the form PROJECT-ESPn, where PROJECT is 4-5
// uppercase alphanumerics and n is a device number from 1 to 20 without a
// leading zero (for example "PROJ1-ESP5").
package deviceid

import (
	"errors"
	"regexp"

	"github.com/google/uuid"
)

// compositePattern matches composite device identifiers such as "PROJ1-ESP5".
var compositePattern = regexp.MustCompile(`^[A-Z0-9]{4,5}-ESP(1[0-9]|20|[1-9])$`)

var (
	// ErrMissingIdentifier is returned when neither identifier form is supplied.
	ErrMissingIdentifier = errors.New("missing device identifier")

	// ErrInvalidFormat is returned when a supplied identifier does not match
	// its expected format.
	ErrInvalidFormat = errors.New("invalid device identifier format")
)

// Kind describes which identifier form a device presented.
type Kind int

const (
	// KindLegacyUUID is the globally unique id used by first-generation devices.
	KindLegacyUUID Kind = iota
	// KindComposite is the project-scoped PROJECT-ESPn identifier.
	KindComposite
)

// Identifier is a validated device identifier.
type Identifier struct {
	// Value is the canonical identifier string.
	Value string
	// Kind reports which identifier form was presented.
	Kind Kind
}

// IsComposite reports whether a string matches the composite identifier format.
func IsComposite(s string) bool {
	return compositePattern.MatchString(s)
}

// Parse validates exactly one of a legacy UUID or a composite identifier.
// Both empty returns ErrMissingIdentifier. A composite identifier takes
// precedence when both are supplied, mirroring newer firmware.
func Parse(legacyUUID, compositeID string) (Identifier, error) {
	if compositeID != "" {
		if !compositePattern.MatchString(compositeID) {
			return Identifier{}, ErrInvalidFormat
		}
		return Identifier{Value: compositeID, Kind: KindComposite}, nil
	}

	if legacyUUID != "" {
		if _, err := uuid.Parse(legacyUUID); err != nil {
			return Identifier{}, ErrInvalidFormat
		}
		return Identifier{Value: legacyUUID, Kind: KindLegacyUUID}, nil
	}

	return Identifier{}, ErrMissingIdentifier
}
