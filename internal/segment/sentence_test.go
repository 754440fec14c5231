package segment

import "testing"

func TestSplitSentencesBasic(t *testing.T) {
	sentences, remainder := SplitSentences("Hello. How are you? I'm fine, thank you.")
	if len(sentences) != 3 {
		t.Fatalf("sentences = %v, want 3", sentences)
	}
	if sentences[1] != "How are you?" {
		t.Fatalf("sentences[1] = %q, want %q", sentences[1], "How are you?")
	}
	if remainder != "" {
		t.Fatalf("remainder = %q, want empty", remainder)
	}
}

func TestSplitSentencesRemainder(t *testing.T) {
	sentences, remainder := SplitSentences("Hola a todos. Bienvenidos")
	if len(sentences) != 1 || sentences[0] != "Hola a todos." {
		t.Fatalf("sentences = %v, want [Hola a todos.]", sentences)
	}
	if remainder != "Bienvenidos" {
		t.Fatalf("remainder = %q, want %q", remainder, "Bienvenidos")
	}
}

func TestSplitSentencesSkipsAbbreviations(t *testing.T) {
	sentences, remainder := SplitSentences("Dr. Smith works at Acme Inc. on weekdays. He is great.")
	if len(sentences) != 2 {
		t.Fatalf("sentences = %v, want 2", sentences)
	}
	if sentences[0] != "Dr. Smith works at Acme Inc. on weekdays." {
		t.Fatalf("sentences[0] = %q, abbreviation split", sentences[0])
	}
	if remainder != "" {
		t.Fatalf("remainder = %q, want empty", remainder)
	}
}

func TestSplitSentencesUnicodeTerminals(t *testing.T) {
	sentences, _ := SplitSentences("こんにちは。元気ですか？")
	if len(sentences) != 2 {
		t.Fatalf("sentences = %v, want 2", sentences)
	}
	sentences, _ = SplitSentences("كيف حالك؟ أنا بخير")
	if len(sentences) != 1 {
		t.Fatalf("arabic sentences = %v, want 1", sentences)
	}
}

func TestSplitSentencesSwallowsPunctuationRuns(t *testing.T) {
	sentences, remainder := SplitSentences("Really?! Yes...")
	if len(sentences) != 2 {
		t.Fatalf("sentences = %v, want 2", sentences)
	}
	if sentences[0] != "Really?!" {
		t.Fatalf("sentences[0] = %q, want %q", sentences[0], "Really?!")
	}
	if remainder != "" {
		t.Fatalf("remainder = %q, want empty", remainder)
	}
}

func TestEndsWithTerminal(t *testing.T) {
	if !EndsWithTerminal("All set.") {
		t.Fatalf("EndsWithTerminal(All set.) = false, want true")
	}
	if !EndsWithTerminal(`"Done!"`) {
		t.Fatalf("EndsWithTerminal(quoted) = false, want true")
	}
	if EndsWithTerminal("still going,") {
		t.Fatalf("EndsWithTerminal(comma) = true, want false")
	}
}
