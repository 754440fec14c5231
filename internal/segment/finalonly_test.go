package segment

import (
	"testing"
	"time"
)

var testBase = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func TestFinalOnlyIgnoresPartials(t *testing.T) {
	f := newFinalOnly()
	units := f.Consume(Event{Text: "Hello everyone out there.", Final: false, At: testBase})
	if len(units) != 0 {
		t.Fatalf("units = %v, want none for partial", units)
	}
}

func TestFinalOnlyMultiSentenceFinal(t *testing.T) {
	f := newFinalOnly()
	units := f.Consume(Event{Text: "Hello. How are you? I'm fine, thank you.", Final: true, At: testBase})
	// "Hello." is below the three-word minimum.
	if len(units) != 2 {
		t.Fatalf("units = %v, want 2", units)
	}
	if units[0].Text != "How are you?" {
		t.Fatalf("units[0] = %q, want %q", units[0].Text, "How are you?")
	}
	if units[1].Text != "I'm fine, thank you." {
		t.Fatalf("units[1] = %q, want %q", units[1].Text, "I'm fine, thank you.")
	}
}

func TestFinalOnlyDuplicateSuppression(t *testing.T) {
	f := newFinalOnly()
	first := f.Consume(Event{Text: "The quarterly numbers look strong.", Final: true, At: testBase})
	if len(first) != 1 {
		t.Fatalf("first = %v, want 1 unit", first)
	}

	// Exact repeat, case variant, and punctuation variant all normalize to
	// the same fingerprint and must stay silent.
	repeats := []string{
		"The quarterly numbers look strong.",
		"the QUARTERLY numbers look strong",
		"The quarterly numbers look strong!",
	}
	for _, text := range repeats {
		if units := f.Consume(Event{Text: text, Final: true, At: testBase}); len(units) != 0 {
			t.Fatalf("Consume(%q) = %v, want no units", text, units)
		}
	}
}

func TestFinalOnlyContainmentSuppression(t *testing.T) {
	f := newFinalOnly()
	if units := f.Consume(Event{Text: "Welcome to the annual meeting.", Final: true, At: testBase}); len(units) != 1 {
		t.Fatalf("units = %v, want 1", units)
	}
	// A sentence fully contained in an already-spoken one is a re-reading.
	if units := f.Consume(Event{Text: "To the annual meeting.", Final: true, At: testBase}); len(units) != 0 {
		t.Fatalf("contained repeat voiced: %v", units)
	}
}

func TestFinalOnlyFlushesUnterminatedFinal(t *testing.T) {
	f := newFinalOnly()
	units := f.Consume(Event{Text: "see you all next week", Final: true, At: testBase})
	if len(units) != 1 || units[0].Text != "see you all next week" {
		t.Fatalf("units = %v, want the unterminated remainder", units)
	}
}
