package version

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stamp(t *testing.T, v, c, d string) {
	t.Helper()
	ov, oc, od := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = ov, oc, od })
	Version, Commit, Date = v, c, d
}

func TestResolve(t *testing.T) {
	withVCS := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "feedfacecafe"},
			{Key: "vcs.time", Value: "2026-09-30T10:00:00Z"},
		}}, true
	}
	none := func() (*debug.BuildInfo, bool) { return nil, false }

	tests := []struct {
		name       string
		commit     string
		date       string
		read       func() (*debug.BuildInfo, bool)
		wantCommit string
		wantDate   string
	}{
		{"unstamped uses vcs", "unknown", "unknown", withVCS, "feedfacecafe", "2026-09-30T10:00:00Z"},
		{"stamped wins", "abc123", "2026-01-01", withVCS, "abc123", "2026-01-01"},
		{"no build info", "unknown", "unknown", none, "unknown", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stamp(t, "1.2.3", tt.commit, tt.date)
			b := resolve(tt.read)
			assert.Equal(t, "1.2.3", b.Version)
			assert.Equal(t, tt.wantCommit, b.Commit)
			assert.Equal(t, tt.wantDate, b.Date)
			assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, b.Platform)
		})
	}
}

func TestInfo(t *testing.T) {
	stamp(t, "1.2.3", "abc1234567890", "2026-01-15")
	info := Info()
	assert.Contains(t, info, "tutorchat 1.2.3")
	assert.Contains(t, info, "commit: abc1234,")
	assert.Contains(t, info, "2026-01-15")
	assert.Contains(t, info, runtime.Version())
}

func TestUserAgent(t *testing.T) {
	stamp(t, "0.9.0", "x", "y")
	assert.Equal(t, "tutorchat/0.9.0", UserAgent())
}

func TestShort(t *testing.T) {
	for in, want := range map[string]string{
		"abcdefghij": "abcdefg",
		"abc1234":    "abc1234",
		"":           "",
	} {
		assert.Equal(t, want, short(in), in)
	}
}
