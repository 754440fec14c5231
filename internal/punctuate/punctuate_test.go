package punctuate

import "testing"

func TestApplyAddsClauseComma(t *testing.T) {
	got := Apply("we planned to ship because the tests passed", true)
	want := "we planned to ship, because the tests passed."
	if got != want {
		t.Fatalf("Apply() = %q, want %q", got, want)
	}
}

func TestApplyCommaBeforeLongAnd(t *testing.T) {
	got := Apply("the team finished the rollout across every region and we celebrated", true)
	want := "the team finished the rollout across every region, and we celebrated."
	if got != want {
		t.Fatalf("Apply() = %q, want %q", got, want)
	}
}

func TestApplyNoCommaForShortAnd(t *testing.T) {
	got := Apply("salt and pepper", true)
	want := "salt and pepper."
	if got != want {
		t.Fatalf("Apply() = %q, want %q", got, want)
	}
}

func TestApplySkipsExistingComma(t *testing.T) {
	got := Apply("we shipped it, because it was ready", true)
	want := "we shipped it, because it was ready."
	if got != want {
		t.Fatalf("Apply() = %q, want %q", got, want)
	}
}

func TestApplyFillerComma(t *testing.T) {
	got := Apply("you know the demo went well", true)
	want := "you know, the demo went well."
	if got != want {
		t.Fatalf("Apply() = %q, want %q", got, want)
	}
}

func TestApplyQuestionTerminal(t *testing.T) {
	got := Apply("where did the last build go", true)
	if got != "where did the last build go?" {
		t.Fatalf("Apply() = %q, want question mark", got)
	}
}

func TestApplyExclamationTerminal(t *testing.T) {
	got := Apply("congratulations to the whole team", true)
	if got != "congratulations to the whole team!" {
		t.Fatalf("Apply() = %q, want exclamation", got)
	}
}

func TestApplyKeepsExistingTerminal(t *testing.T) {
	got := Apply("that is all.", true)
	if got != "that is all." {
		t.Fatalf("Apply() = %q, want unchanged", got)
	}
}

func TestApplyPartialIncompleteStaysOpen(t *testing.T) {
	got := Apply("so then we", false)
	if got != "so then we" {
		t.Fatalf("Apply() = %q, want no terminal on incomplete partial", got)
	}
}

func TestApplyPartialLongEnoughCloses(t *testing.T) {
	got := Apply("the new caching layer cut latency in half", false)
	if got != "the new caching layer cut latency in half." {
		t.Fatalf("Apply() = %q, want terminal on complete-looking partial", got)
	}
}

func TestApplyPartialCloserWord(t *testing.T) {
	got := Apply("see you all today", false)
	if got != "see you all today." {
		t.Fatalf("Apply() = %q, want terminal after closer word", got)
	}
}
