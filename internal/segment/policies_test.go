package segment

import (
	"strings"
	"testing"
	"time"
)

func TestConferenceMinimumLength(t *testing.T) {
	c := newConference()
	units := c.Consume(Event{Text: "Thanks a lot. The committee approved the budget today.", Final: true, At: testBase})
	if len(units) != 1 {
		t.Fatalf("units = %v, want only the long sentence", units)
	}
	if units[0].Text != "The committee approved the budget today." {
		t.Fatalf("units[0] = %q", units[0].Text)
	}
}

func TestConferencePrefixGate(t *testing.T) {
	c := newConference()
	if units := c.Consume(Event{Text: "The committee approved the budget today.", Final: true, At: testBase}); len(units) != 1 {
		t.Fatalf("units = %v, want 1", units)
	}
	// Same five-word prefix, not 1.2x longer: a re-reading, rejected.
	if units := c.Consume(Event{Text: "The committee approved the budget now.", Final: true, At: testBase}); len(units) != 0 {
		t.Fatalf("prefix re-reading voiced: %v", units)
	}
	// Same prefix but grown well past 1.2x: genuinely new material.
	longer := "The committee approved the budget today and allocated reserves for the research division going forward."
	if units := c.Consume(Event{Text: longer, Final: true, At: testBase}); len(units) != 1 {
		t.Fatalf("grown sentence suppressed: %v", units)
	}
}

func TestConferenceIgnoresPartials(t *testing.T) {
	c := newConference()
	if units := c.Consume(Event{Text: "The committee approved the budget today.", Final: false, At: testBase}); len(units) != 0 {
		t.Fatalf("partial voiced by conference policy: %v", units)
	}
}

func TestNaturalPhraseEmitsAtIdealSize(t *testing.T) {
	n := newNaturalPhrase()
	at := testBase

	text := "we are going to review, roadmap items for next quarter together"
	units := n.Consume(Event{Text: text, Final: false, At: at})
	if len(units) == 0 {
		t.Fatalf("no chunk at ideal size")
	}
	// The comma after "review," is the favored break.
	if !strings.HasSuffix(units[0].Text, "review,") {
		t.Fatalf("units[0] = %q, want break at comma", units[0].Text)
	}
}

func TestNaturalPhraseInitialDelay(t *testing.T) {
	n := newNaturalPhrase()
	at := testBase
	n.Consume(Event{Text: "short opening phrase for everyone", Final: false, At: at})

	// Quiescent but still inside the initial gather window.
	if units := n.Tick(at.Add(100 * time.Millisecond)); len(units) != 0 {
		t.Fatalf("chunk before initial delay: %v", units)
	}
	if units := n.Tick(at.Add(250 * time.Millisecond)); len(units) != 1 {
		t.Fatalf("Tick() after delay = %v, want 1 chunk", units)
	}
}

func TestNaturalPhraseFinalFlushCoversEveryWord(t *testing.T) {
	n := newNaturalPhrase()
	at := testBase
	text := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen"

	units := n.Consume(Event{Text: text, Final: true, At: at})
	var got []string
	for _, u := range units {
		got = append(got, strings.Fields(u.Text)...)
	}
	want := strings.Fields(text)
	if len(got) != len(want) {
		t.Fatalf("flushed %d words, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("word %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUltraLowLatencyPrefersPunctuationBoundary(t *testing.T) {
	u := newUltraLowLatency()
	units := u.Consume(Event{Text: "first we gather, then we decide", Final: false, At: testBase})
	if len(units) == 0 {
		t.Fatalf("no chunk despite 3+ pending words")
	}
	if units[0].Text != "first we gather," {
		t.Fatalf("units[0] = %q, want comma-bounded chunk", units[0].Text)
	}
}

func TestUltraLowLatencyHardBound(t *testing.T) {
	u := newUltraLowLatency()
	text := "w1 w2 w3 w4 w5 w6 w7 w8 w9 w10 w11 w12"
	units := u.Consume(Event{Text: text, Final: false, At: testBase})
	if len(units) != 1 {
		t.Fatalf("units = %v, want one 10-word chunk", units)
	}
	if got := len(strings.Fields(units[0].Text)); got != 10 {
		t.Fatalf("chunk words = %d, want 10", got)
	}
}

func TestUltraLowLatencyWaitEmission(t *testing.T) {
	u := newUltraLowLatency()
	at := testBase
	if units := u.Consume(Event{Text: "three plain words", Final: false, At: at}); len(units) != 0 {
		t.Fatalf("unpunctuated short run emitted immediately: %v", units)
	}
	if units := u.Tick(at.Add(50 * time.Millisecond)); len(units) != 0 {
		t.Fatalf("emitted before the 100ms wait: %v", units)
	}
	units := u.Tick(at.Add(150 * time.Millisecond))
	if len(units) != 1 || units[0].Text != "three plain words" {
		t.Fatalf("Tick() = %v, want pending chunk", units)
	}
}

func TestUltraLowLatencyFinalFlush(t *testing.T) {
	u := newUltraLowLatency()
	at := testBase
	u.Consume(Event{Text: "alpha beta, gamma delta", Final: false, At: at})
	first := u.Tick(at.Add(150 * time.Millisecond))
	if len(first) != 1 || first[0].Text != "alpha beta, gamma delta" {
		t.Fatalf("Tick() = %v, want the waited chunk", first)
	}

	units := u.Consume(Event{Text: "alpha beta, gamma delta epsilon", Final: true, At: at.Add(time.Second)})
	var got []string
	for _, unit := range units {
		got = append(got, strings.Fields(unit.Text)...)
	}
	if len(got) != 1 || got[0] != "epsilon" {
		t.Fatalf("final flush = %v, want only the unconsumed tail", got)
	}
}

func TestContinuousDeltaThreshold(t *testing.T) {
	c := newContinuous(3)
	if units := c.Consume(Event{Text: "hi", Final: false, At: testBase}); len(units) != 0 {
		t.Fatalf("delta below threshold emitted: %v", units)
	}
	units := c.Consume(Event{Text: "hi there", Final: false, At: testBase})
	if len(units) != 1 || units[0].Text != "hi there" {
		t.Fatalf("units = %v, want the full accumulated delta", units)
	}
	if !units[0].Delta {
		t.Fatalf("Delta = false, want true for continuous policy")
	}

	units = c.Consume(Event{Text: "hi there all", Final: false, At: testBase})
	if len(units) != 1 || units[0].Text != " all" {
		t.Fatalf("units = %v, want suffix only", units)
	}
}

func TestContinuousFinalFlushesShortDelta(t *testing.T) {
	c := newContinuous(3)
	c.Consume(Event{Text: "counting on it", Final: false, At: testBase})
	units := c.Consume(Event{Text: "counting on it.", Final: true, At: testBase})
	if len(units) != 1 || units[0].Text != "." {
		t.Fatalf("units = %v, want short final delta", units)
	}
	if !units[0].Final {
		t.Fatalf("Final = false, want true")
	}
}

func TestContinuousRevisionRewindsCursor(t *testing.T) {
	c := newContinuous(3)
	c.Consume(Event{Text: "the cat runs", Final: false, At: testBase})
	units := c.Consume(Event{Text: "the cats run fast", Final: false, At: testBase})
	if len(units) != 1 {
		t.Fatalf("units = %v, want one corrected delta", units)
	}
	if units[0].Text != "s run fast" {
		t.Fatalf("delta = %q, want resend from the common prefix", units[0].Text)
	}
}
