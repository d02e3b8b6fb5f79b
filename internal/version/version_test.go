package version

import (
	"runtime/debug"
	"testing"
)

func TestVersionIsSet(t *testing.T) {
	if String() == "" {
		t.Fatal("String() must not be empty")
	}
}

func TestInfo(t *testing.T) {
	orig := readBuildInfo
	t.Cleanup(func() { readBuildInfo = orig })

	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }
	if got := Info(); got != "foreman dev" {
		t.Errorf("Info() without build info = %q", got)
	}

	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			GoVersion: "go1.25.6",
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}
	if got, want := Info(), "foreman dev commit 0123456789ab-dirty (go1.25.6)"; got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}
}
