package accesscontrol

import (
	"regexp"
	"testing"
)

func TestNewTokenValueFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^ESPL-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`)

	for i := 0; i < 100; i++ {
		v := newTokenValue()
		if !pattern.MatchString(v) {
			t.Fatalf("newTokenValue() = %q, does not match %s", v, pattern)
		}
	}
}

func TestNewTokenValueUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		v := newTokenValue()
		if seen[v] {
			t.Fatalf("duplicate token value %q after %d mints", v, i)
		}
		seen[v] = true
	}
}
