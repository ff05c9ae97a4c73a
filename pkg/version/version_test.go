package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	// Given: a build with or without ldflags

	// Then: the version is "dev" or semver
	if Version == "dev" {
		return
	}
	semver := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	require.True(t, semver.MatchString(Version), "got %s", Version)
}

func TestString_ContainsBuildFields(t *testing.T) {
	str := String()

	assert.Contains(t, str, "memnon")
	assert.Contains(t, str, Version)
	assert.Contains(t, str, "commit: "+Commit)
	assert.Contains(t, str, GoVersion)
}

func TestShort_ReturnsVersion(t *testing.T) {
	assert.Equal(t, Version, Short())
}

func TestGetInfo(t *testing.T) {
	// When: serializing GetInfo
	info := GetInfo()
	data, err := json.Marshal(info)
	require.NoError(t, err)

	// Then: every field is present and matches the runtime
	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	for _, key := range []string{"version", "commit", "date", "go_version", "os", "arch"} {
		assert.Contains(t, parsed, key)
	}
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}
