package broker

import "testing"

func TestMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/x/c", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"#", "a/b/c", true},
		{"#", "$SYS/broker/uptime", false},
		{"$SYS/#", "$SYS/broker/uptime", true},
		{"+/+", "a/b", true},
		{"+/+", "a/b/c", false},
		{"a/b", "a/b/c", false},
	}

	for _, tt := range tests {
		if got := Matches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestHasWildcards(t *testing.T) {
	if !HasWildcards("a/+/c") {
		t.Error("expected a/+/c to have wildcards")
	}
	if HasWildcards("a/b/c") {
		t.Error("expected a/b/c to have no wildcards")
	}
}
