package buildinfo

import (
	"strings"
	"testing"
)

func TestInfo_ContainsVersion(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("Info() missing key %q", k)
		}
	}
	if info["version"] != Version {
		t.Errorf("version = %q, want %q", info["version"], Version)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "Mnemon/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix Mnemon/%s", ua, Version)
	}
}
