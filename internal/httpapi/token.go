package httpapi

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type speechTokenResponse struct {
	Token     string `json:"token"`
	Region    string `json:"region"`
	ExpiresIn int64  `json:"expires_in"`
}

// handleSpeechToken mints a short-lived credential for the browser-side
// recognizer. The relay never sees the recognizer's traffic; it only vouches
// for the client.
func (s *Server) handleSpeechToken(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.SpeechTokenSecret == "" {
		respondError(w, http.StatusServiceUnavailable, "token_unconfigured", "speech token secret not configured")
		return
	}

	ttl := s.cfg.SpeechTokenTTL
	if ttl <= 0 {
		ttl = 9 * time.Minute
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"region": s.cfg.SpeechTokenRegion,
		"scope":  "speech.recognition",
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.SpeechTokenSecret))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token_sign_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, speechTokenResponse{
		Token:     signed,
		Region:    s.cfg.SpeechTokenRegion,
		ExpiresIn: int64(ttl.Seconds()),
	})
}
