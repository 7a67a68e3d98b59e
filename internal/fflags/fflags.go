// Package fflags is a minimal feature flag registry.  Flags are hard coded
// and overridable per process through environment variables; a proper flag
// backend can replace this later without changing callers.
package fflags

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
)

type FFlags struct {
	logger *zap.SugaredLogger
}

type FFlag struct {
	env          string
	defaultValue bool
}

var hardCodedFlags = map[string]FFlag{
	// fetch upstream avatars for freshly created accounts
	"avatar-fetch": {"STUDIOAPI_FFLAG_AVATAR_FETCH", true},
	// serve the legacy numeric-user-id cookie fallback
	"legacy-user-id": {"STUDIOAPI_FFLAG_LEGACY_USER_ID", true},
}

func NewFFlags(logger *zap.SugaredLogger) *FFlags {
	return &FFlags{
		logger: logger,
	}
}

func (f *FFlags) getFlagValue(fflag FFlag) bool {
	if envValue, err := strconv.ParseBool(os.Getenv(fflag.env)); err == nil {
		return envValue
	}
	return fflag.defaultValue
}

// ListFlags returns a map of all currently defined feature flags and
// whether those features are enabled (true) or not (false).
func (f *FFlags) ListFlags() map[string]bool {
	result := map[string]bool{}
	for name, fflag := range hardCodedFlags {
		result[name] = f.getFlagValue(fflag)
	}
	return result
}

// GetFlag returns whether the feature named by the string parameter
// flag is enabled (true) or not (false). An error is returned if
// the flag name is invalid.
func (f *FFlags) GetFlag(flag string) (bool, error) {
	fflag, ok := hardCodedFlags[flag]
	if !ok {
		f.logger.Errorf("Invalid feature flag name: %s", flag)
		return false, fmt.Errorf("invalid feature flag name: %s", flag)
	}
	return f.getFlagValue(fflag), nil
}
