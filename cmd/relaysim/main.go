// relaysim drives a live relay through its websocket edge: it joins one
// speaker and one listener, replays a scripted transcript stream with
// progressive partials, and verifies that text updates and audio arrive.
// Exit code 0 on success, non-zero on any failed check.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtliou/speechrelay/internal/protocol"
)

type options struct {
	baseURL    string
	code       string
	sourceLang string
	listenLang string
	partialMS  int
	timeout    time.Duration
	utterances []string
	verbose    bool
}

var defaultUtterances = []string{
	"Hello everyone and welcome to the session.",
	"Today we will cover the quarterly roadmap.",
	"Questions are welcome at any point during the talk.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaysim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relaysim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var utterancesRaw string
	var timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "relay base URL")
	flag.StringVar(&cfg.code, "code", "SIMU", "4-character session code")
	flag.StringVar(&cfg.sourceLang, "source-lang", "en", "speaker source language")
	flag.StringVar(&cfg.listenLang, "lang", "es", "listener subscription language")
	flag.IntVar(&cfg.partialMS, "partial-ms", 120, "delay between progressive partials in milliseconds")
	flag.IntVar(&timeoutMS, "timeout-ms", 10000, "per-utterance wait for audio in milliseconds")
	flag.StringVar(&utterancesRaw, "utterances", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if len(cfg.code) != 4 {
		return options{}, fmt.Errorf("code must be exactly 4 characters")
	}
	if cfg.partialMS < 10 || cfg.partialMS > 2000 {
		return options{}, fmt.Errorf("partial-ms must be in [10,2000]")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond

	if strings.TrimSpace(utterancesRaw) == "" {
		cfg.utterances = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(utterancesRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.utterances = append(cfg.utterances, t)
			}
		}
		if len(cfg.utterances) == 0 {
			return options{}, fmt.Errorf("utterances produced no non-empty entries")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	wsURL := "ws" + strings.TrimPrefix(cfg.baseURL, "http") + "/ws"

	speaker, err := dial(wsURL)
	if err != nil {
		return fmt.Errorf("open speaker websocket: %w", err)
	}
	defer speaker.Close()
	listener, err := dial(wsURL)
	if err != nil {
		return fmt.Errorf("open listener websocket: %w", err)
	}
	defer listener.Close()

	if err := speaker.WriteJSON(protocol.SpeakerJoin{
		Type:       protocol.TypeSpeakerJoin,
		Code:       cfg.code,
		SourceLang: cfg.sourceLang,
	}); err != nil {
		return fmt.Errorf("speaker join: %w", err)
	}
	if err := awaitJoined(speaker, cfg.timeout); err != nil {
		return fmt.Errorf("speaker joined ack: %w", err)
	}

	if err := listener.WriteJSON(protocol.ListenerJoin{
		Type: protocol.TypeListenerJoin,
		Code: cfg.code,
		Lang: cfg.listenLang,
	}); err != nil {
		return fmt.Errorf("listener join: %w", err)
	}
	if err := awaitJoined(listener, cfg.timeout); err != nil {
		return fmt.Errorf("listener joined ack: %w", err)
	}

	updates := make(chan protocol.TranslationUpdate, 256)
	audios := make(chan protocol.AudioStream, 256)
	readErr := make(chan error, 1)
	go listenLoop(listener, updates, audios, readErr)

	for i, utterance := range cfg.utterances {
		if cfg.verbose {
			fmt.Printf("relaysim: utterance %d/%d %q\n", i+1, len(cfg.utterances), utterance)
		}
		for _, partial := range progressivePartials(utterance) {
			if err := speaker.WriteJSON(protocol.Transcript{
				Type:        protocol.TypeTranscript,
				Code:        cfg.code,
				Text:        partial,
				IsFinal:     false,
				TimestampMS: time.Now().UnixMilli(),
			}); err != nil {
				return fmt.Errorf("send partial: %w", err)
			}
			time.Sleep(time.Duration(cfg.partialMS) * time.Millisecond)
		}
		if err := speaker.WriteJSON(protocol.Transcript{
			Type:        protocol.TypeTranscript,
			Code:        cfg.code,
			Text:        utterance,
			IsFinal:     true,
			TimestampMS: time.Now().UnixMilli(),
		}); err != nil {
			return fmt.Errorf("send final: %w", err)
		}

		if err := awaitDelivery(updates, audios, readErr, cfg.timeout); err != nil {
			return fmt.Errorf("utterance %d: %w", i+1, err)
		}
	}

	if cfg.verbose {
		fmt.Println("relaysim: replay completed")
	}
	return nil
}

func dial(wsURL string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	return conn, err
}

func awaitJoined(conn *websocket.Conn, timeout time.Duration) error {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var raw map[string]any
		if err := conn.ReadJSON(&raw); err != nil {
			return err
		}
		switch raw["event"] {
		case string(protocol.TypeJoined):
			if ok, _ := raw["ok"].(bool); !ok {
				return fmt.Errorf("join rejected: %v", raw)
			}
			return nil
		case string(protocol.TypeSessionNotFound):
			return fmt.Errorf("session not found")
		}
	}
}

func listenLoop(conn *websocket.Conn, updates chan<- protocol.TranslationUpdate, audios chan<- protocol.AudioStream, readErr chan<- error) {
	_ = conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var envelope protocol.Envelope
		if err := envelopeOf(data, &envelope); err != nil {
			continue
		}
		switch envelope.Type {
		case protocol.TypeTranslationUpdate:
			var update protocol.TranslationUpdate
			if err := envelopeOf(data, &update); err == nil {
				select {
				case updates <- update:
				default:
				}
			}
		case protocol.TypeAudioStream:
			var audio protocol.AudioStream
			if err := envelopeOf(data, &audio); err == nil {
				select {
				case audios <- audio:
				default:
				}
			}
		}
	}
}

// awaitDelivery requires at least one text update and one audio fragment per
// spoken utterance.
func awaitDelivery(updates <-chan protocol.TranslationUpdate, audios <-chan protocol.AudioStream, readErr <-chan error, timeout time.Duration) error {
	deadline := time.After(timeout)
	gotUpdate, gotAudio := false, false
	for {
		if gotUpdate && gotAudio {
			return nil
		}
		select {
		case <-updates:
			gotUpdate = true
		case a := <-audios:
			if a.Audio == "" {
				return fmt.Errorf("empty audio payload")
			}
			gotAudio = true
		case err := <-readErr:
			return fmt.Errorf("listener read: %w", err)
		case <-deadline:
			return fmt.Errorf("timed out (update=%v audio=%v)", gotUpdate, gotAudio)
		}
	}
}

func envelopeOf(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

// progressivePartials simulates a recognizer growing the transcript a couple
// of words at a time.
func progressivePartials(utterance string) []string {
	words := strings.Fields(utterance)
	var out []string
	for i := 2; i < len(words); i += 2 {
		out = append(out, strings.Join(words[:i], " "))
	}
	return out
}
