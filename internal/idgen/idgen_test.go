package idgen

import (
	"regexp"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	re := regexp.MustCompile(`^dsp_[a-f0-9]{24}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := WithPrefix("dsp_")
		if !re.MatchString(id) {
			t.Fatalf("malformed id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
