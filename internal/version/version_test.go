package version

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShort(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{"no commit", Info{Version: "v1.2.0", GitCommit: "unknown"}, "v1.2.0"},
		{"commit", Info{Version: "v1.2.0", GitCommit: "abcdef0123"}, "v1.2.0 (abcdef0)"},
		{"dirty", Info{Version: "dev", GitCommit: "abcdef0123", Modified: true}, "dev (abcdef0-dirty)"},
		{"short commit", Info{Version: "dev", GitCommit: "abc"}, "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Short())
		})
	}
}

func TestGetUsesLinkerValues(t *testing.T) {
	oldVersion, oldCommit, oldTime := Version, GitCommit, BuildTime
	t.Cleanup(func() { Version, GitCommit, BuildTime = oldVersion, oldCommit, oldTime })

	Version, GitCommit, BuildTime = "v0.3.0", "0123456789", "2025-06-01T10:00:00Z"
	info := Get()

	assert.Equal(t, "v0.3.0", info.Version)
	assert.Equal(t, "0123456789", info.GitCommit)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), info.BuildTime)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestString(t *testing.T) {
	s := Info{Version: "v1", GitCommit: "unknown", GoVersion: "go1.24", Platform: "linux/amd64"}.String()
	assert.Equal(t, "Version: v1\nGo: go1.24\nPlatform: linux/amd64", s)
}
