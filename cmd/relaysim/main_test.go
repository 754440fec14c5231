package main

import (
	"strings"
	"testing"
)

func TestProgressivePartialsGrowByTwoWords(t *testing.T) {
	got := progressivePartials("one two three four five six")
	want := []string{"one two", "one two three four"}
	if len(got) != len(want) {
		t.Fatalf("partials = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("partials[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestProgressivePartialsShortUtterance(t *testing.T) {
	if got := progressivePartials("hi there"); len(got) != 0 {
		t.Fatalf("partials = %v, want none for two words", got)
	}
}

func TestProgressivePartialsArePrefixes(t *testing.T) {
	full := "the quick brown fox jumps over the lazy dog"
	for _, p := range progressivePartials(full) {
		if !strings.HasPrefix(full, p) {
			t.Fatalf("partial %q is not a prefix of the utterance", p)
		}
	}
}
