package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants. The JSON field is named
// "event" on the wire.
type MessageType string

const (
	TypeSpeakerJoin    MessageType = "speaker-join"
	TypeTranscript     MessageType = "transcript"
	TypePartial        MessageType = "partial-transcript"
	TypeFinal          MessageType = "final-transcript"
	TypeListenerJoin   MessageType = "listener-join"
	TypeChangeLanguage MessageType = "change-language"
	TypeUpdateVoice    MessageType = "update-voice"
	TypeListenerLeave  MessageType = "listener-leave"

	TypeJoined               MessageType = "joined"
	TypeSessionStarted       MessageType = "session-started"
	TypeSessionNotFound      MessageType = "session-not-found"
	TypeSpeakerDisconnected  MessageType = "speaker-disconnected"
	TypeLanguageChanged      MessageType = "language-changed"
	TypeVoiceUpdated         MessageType = "voice-updated"
	TypeTranslationUpdate    MessageType = "translation-update"
	TypeAudioStream          MessageType = "audio-stream"
	TypeTranslationBroadcast MessageType = "translation-broadcast"
	TypeErrorEvent           MessageType = "error-event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"event"`
}

// SpeakerJoin creates (or replaces) the session identified by Code.
type SpeakerJoin struct {
	Type        MessageType `json:"event"`
	Code        string      `json:"code"`
	SourceLang  string      `json:"source_lang"`
	TargetLangs []string    `json:"target_langs,omitempty"`
	SourceHint  string      `json:"source_hint,omitempty"`
}

// Transcript carries one partial or final recognizer update. If Translations
// is present the relay skips its own translator call.
type Transcript struct {
	Type         MessageType       `json:"event"`
	Code         string            `json:"code"`
	Text         string            `json:"text"`
	IsFinal      bool              `json:"is_final"`
	TimestampMS  int64             `json:"timestamp,omitempty"`
	OffsetMS     int64             `json:"offset,omitempty"`
	DurationMS   int64             `json:"duration,omitempty"`
	Translations map[string]string `json:"translations,omitempty"`
}

type ListenerJoin struct {
	Type  MessageType `json:"event"`
	Code  string      `json:"code"`
	Lang  string      `json:"lang"`
	Voice string      `json:"voice,omitempty"`
}

type ChangeLanguage struct {
	Type MessageType `json:"event"`
	Code string      `json:"code"`
	Lang string      `json:"lang"`
}

type UpdateVoice struct {
	Type  MessageType `json:"event"`
	Code  string      `json:"code"`
	Voice string      `json:"voice"`
}

type ListenerLeave struct {
	Type MessageType `json:"event"`
	Code string      `json:"code"`
}

type Joined struct {
	Type               MessageType `json:"event"`
	OK                 bool        `json:"ok"`
	Code               string      `json:"code"`
	Mode               string      `json:"mode,omitempty"`
	AvailableLanguages []string    `json:"available_languages,omitempty"`
	SourceLang         string      `json:"source_lang,omitempty"`
}

type SessionStarted struct {
	Type       MessageType `json:"event"`
	Code       string      `json:"code"`
	SourceLang string      `json:"source_lang,omitempty"`
}

type SessionNotFound struct {
	Type MessageType `json:"event"`
	Code string      `json:"code"`
}

type SpeakerDisconnected struct {
	Type MessageType `json:"event"`
	Code string      `json:"code"`
}

type LanguageChanged struct {
	Type MessageType `json:"event"`
	Code string      `json:"code"`
	Lang string      `json:"lang"`
}

type VoiceUpdated struct {
	Type  MessageType `json:"event"`
	Code  string      `json:"code"`
	Voice string      `json:"voice"`
}

type TranslationUpdate struct {
	Type          MessageType `json:"event"`
	Text          string      `json:"text"`
	Language      string      `json:"language"`
	IsFinal       bool        `json:"is_final"`
	PartialNumber int         `json:"partial_number,omitempty"`
}

// AudioStream wraps one synthesized audio fragment, base64 encoded inline.
type AudioStream struct {
	Type       MessageType `json:"event"`
	Audio      string      `json:"audio"`
	Format     string      `json:"format"`
	Language   string      `json:"language"`
	Text       string      `json:"text,omitempty"`
	Sequence   int         `json:"sequence,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	IsStable   bool        `json:"isStable,omitempty"`
	IsFinal    bool        `json:"isFinal,omitempty"`
	Streaming  bool        `json:"streaming,omitempty"`
}

// TranslationBroadcast is a diagnostic event mirroring one transcript event
// and everything derived from it.
type TranslationBroadcast struct {
	Type         MessageType       `json:"event"`
	Original     string            `json:"original"`
	Translations map[string]string `json:"translations"`
	IsFinal      bool              `json:"is_final"`
	TimestampMS  int64             `json:"timestamp"`
	LatencyMS    int64             `json:"latency"`
}

type ErrorEvent struct {
	Type      MessageType `json:"event"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

type clientInbound struct {
	Type         MessageType       `json:"event"`
	Code         string            `json:"code"`
	SourceLang   string            `json:"source_lang"`
	TargetLangs  []string          `json:"target_langs"`
	SourceHint   string            `json:"source_hint"`
	Text         string            `json:"text"`
	IsFinal      bool              `json:"is_final"`
	TimestampMS  int64             `json:"timestamp"`
	OffsetMS     int64             `json:"offset"`
	DurationMS   int64             `json:"duration"`
	Translations map[string]string `json:"translations"`
	Lang         string            `json:"lang"`
	Voice        string            `json:"voice"`
}

// ParseClientMessage decodes one inbound envelope into its typed form.
// The partial-transcript and final-transcript aliases normalize to Transcript.
func ParseClientMessage(raw []byte) (any, error) {
	var inbound clientInbound
	if err := json.Unmarshal(raw, &inbound); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch inbound.Type {
	case TypeSpeakerJoin:
		if inbound.Code == "" || inbound.SourceLang == "" {
			return nil, errors.New("invalid speaker-join")
		}
		return SpeakerJoin{
			Type:        TypeSpeakerJoin,
			Code:        inbound.Code,
			SourceLang:  inbound.SourceLang,
			TargetLangs: inbound.TargetLangs,
			SourceHint:  inbound.SourceHint,
		}, nil
	case TypeTranscript, TypePartial, TypeFinal:
		if inbound.Code == "" {
			return nil, errors.New("invalid transcript")
		}
		isFinal := inbound.IsFinal
		switch inbound.Type {
		case TypePartial:
			isFinal = false
		case TypeFinal:
			isFinal = true
		}
		return Transcript{
			Type:         TypeTranscript,
			Code:         inbound.Code,
			Text:         inbound.Text,
			IsFinal:      isFinal,
			TimestampMS:  inbound.TimestampMS,
			OffsetMS:     inbound.OffsetMS,
			DurationMS:   inbound.DurationMS,
			Translations: inbound.Translations,
		}, nil
	case TypeListenerJoin:
		if inbound.Code == "" || inbound.Lang == "" {
			return nil, errors.New("invalid listener-join")
		}
		return ListenerJoin{Type: TypeListenerJoin, Code: inbound.Code, Lang: inbound.Lang, Voice: inbound.Voice}, nil
	case TypeChangeLanguage:
		if inbound.Code == "" || inbound.Lang == "" {
			return nil, errors.New("invalid change-language")
		}
		return ChangeLanguage{Type: TypeChangeLanguage, Code: inbound.Code, Lang: inbound.Lang}, nil
	case TypeUpdateVoice:
		if inbound.Code == "" || inbound.Voice == "" {
			return nil, errors.New("invalid update-voice")
		}
		return UpdateVoice{Type: TypeUpdateVoice, Code: inbound.Code, Voice: inbound.Voice}, nil
	case TypeListenerLeave:
		if inbound.Code == "" {
			return nil, errors.New("invalid listener-leave")
		}
		return ListenerLeave{Type: TypeListenerLeave, Code: inbound.Code}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf reports the wire type of any protocol struct.
func MessageTypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case SpeakerJoin:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case ListenerJoin:
		return m.Type, true
	case ChangeLanguage:
		return m.Type, true
	case UpdateVoice:
		return m.Type, true
	case ListenerLeave:
		return m.Type, true
	case Joined:
		return m.Type, true
	case SessionStarted:
		return m.Type, true
	case SessionNotFound:
		return m.Type, true
	case SpeakerDisconnected:
		return m.Type, true
	case LanguageChanged:
		return m.Type, true
	case VoiceUpdated:
		return m.Type, true
	case TranslationUpdate:
		return m.Type, true
	case AudioStream:
		return m.Type, true
	case TranslationBroadcast:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
