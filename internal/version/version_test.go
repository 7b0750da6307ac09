package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	orig, origTag := readBuildInfo, Tag
	t.Cleanup(func() { readBuildInfo, Tag = orig, origTag })
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
}

func TestString(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	assert.Equal(t, "dev", String())

	stubBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Version: "v0.9.1"}})
	assert.Equal(t, "v0.9.1", String())

	Tag = "v1.2.3"
	assert.Equal(t, "v1.2.3", String())
	assert.Equal(t, "Kale Email API v1.2.3", Mailer())
}

func TestRevision(t *testing.T) {
	stubBuildInfo(t, nil)
	assert.Empty(t, Revision())

	stubBuildInfo(t, &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs", Value: "git"},
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
	}})
	assert.Equal(t, "0123456789ab", Revision())
}
