package config

import "fmt"

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

// VersionError describes a configuration version mismatch.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "newer than this build" {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade chatturn", e.Version, e.Current)
	}
	reason := e.Reason
	if reason == "" {
		reason = "unsupported"
	}
	return fmt.Sprintf("config version %d is %s (current: %d)", e.Version, reason, e.Current)
}

// ValidateVersion ensures version is supported.
func ValidateVersion(version int) error {
	switch {
	case version < 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "invalid"}
	case version == 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "missing"}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "newer than this build"}
	}
	return nil
}
