package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func restoreVersion(t *testing.T) {
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})
}

func TestVersionStrings(t *testing.T) {
	restoreVersion(t)
	Version, Revision, BuildDate = "1.4.0", "5e23a4", "2025-01-01T00:00:00Z"

	assert.Equal(t, "1.4.0 (5e23a4)", Short())
	assert.Equal(t, "dirsync 1.4.0 (5e23a4)", ShortWithApp())

	detailed := Detailed()
	assert.True(t, strings.HasPrefix(detailed, "1.4.0 (5e23a4; "), detailed)
	assert.Contains(t, detailed, runtime.GOOS+"/"+runtime.GOARCH)
	assert.Contains(t, detailed, "2025-01-01T00:00:00Z")
	assert.True(t, strings.HasPrefix(DetailedWithApp(), "dirsync "))
}

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, AppName, info.App)
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.NotEmpty(t, info.BuildDate)
}

func TestApplyBuildInfo_FillsDevBuild(t *testing.T) {
	restoreVersion(t)
	Version, Revision, BuildDate = devVersion, "HEAD", ""

	applyBuildInfo("v0.2.1", map[string]string{
		"vcs.revision": "abcdef1234567890",
		"vcs.modified": "true",
		"vcs.time":     "2025-12-12T01:00:00Z",
	})

	assert.Equal(t, "0.2.1", Version)
	assert.Equal(t, "abcdef1234567890-dirty", Revision)
	assert.Equal(t, "2025-12-12T01:00:00Z", BuildDate)
}

func TestApplyBuildInfo_DevelModuleKeepsDefault(t *testing.T) {
	restoreVersion(t)
	Version, Revision = devVersion, "HEAD"

	applyBuildInfo("(devel)", map[string]string{})

	assert.Equal(t, devVersion, Version)
	assert.Equal(t, "HEAD", Revision)
}

func TestApplyBuildInfo_LdflagsWin(t *testing.T) {
	restoreVersion(t)
	Version, Revision, BuildDate = "1.2.3", "deadbeef", "from-ldflags"

	applyBuildInfo("v9.9.9", map[string]string{
		"vcs.revision": "abcdef",
		"vcs.time":     "2025-12-12T01:00:00Z",
	})

	assert.Equal(t, "1.2.3", Version)
	assert.Equal(t, "deadbeef", Revision)
	assert.Equal(t, "from-ldflags", BuildDate)
}
