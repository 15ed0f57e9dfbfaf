package appdir

import (
	"strings"
	"testing"
)

func TestPathsUnderProfile(t *testing.T) {
	dir := Dir("main")
	for name, path := range map[string]string{
		"gateway db": GatewayDBPath("main"),
		"log":        LogPath("main"),
	} {
		if !strings.HasPrefix(path, dir) {
			t.Errorf("%s path %q not under profile dir %q", name, path, dir)
		}
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"main", "work-1", "a_b"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}
	for _, name := range []string{"", "Has Space", "UPPER", "dot.dot", strings.Repeat("x", 65)} {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) accepted", name)
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	if got := Resolve("override"); got != "override" {
		t.Errorf("Resolve(override) = %q", got)
	}
}
