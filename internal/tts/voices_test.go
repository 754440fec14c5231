package tts

import "testing"

func TestChooseVoiceUnanimous(t *testing.T) {
	got := ChooseVoice([]string{"custom-a", "custom-a"}, "es")
	if got != "custom-a" {
		t.Fatalf("ChooseVoice() = %q, want unanimous preference", got)
	}
}

func TestChooseVoiceDisagreementFallsBackToDefault(t *testing.T) {
	got := ChooseVoice([]string{"custom-a", "custom-b"}, "es")
	if got != DefaultVoice("es") {
		t.Fatalf("ChooseVoice() = %q, want language default", got)
	}
}

func TestChooseVoiceEmptyPreferenceBreaksUnanimity(t *testing.T) {
	got := ChooseVoice([]string{"custom-a", ""}, "fr")
	if got != DefaultVoice("fr") {
		t.Fatalf("ChooseVoice() = %q, want language default", got)
	}
}

func TestDefaultVoiceUnlistedLanguage(t *testing.T) {
	if got := DefaultVoice("tlh"); got != "" {
		t.Fatalf("DefaultVoice(tlh) = %q, want empty", got)
	}
}
