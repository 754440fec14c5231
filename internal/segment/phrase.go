package segment

import (
	"strings"
	"time"
)

// naturalPhrase emits phrase-sized chunks at linguistically preferred
// boundaries, trading a little latency for prosody the TTS can work with.
type naturalPhrase struct {
	spoken       map[string]struct{}
	currentWords []string
	consumed     int
	firstEventAt time.Time
	lastGrowthAt time.Time
	emittedAny   bool
}

const (
	naturalMinWords     = 5
	naturalIdealWords   = 8
	naturalMaxWords     = 15
	naturalInitialDelay = 150 * time.Millisecond
	naturalQuiescence   = 50 * time.Millisecond
)

var conjunctions = wordList("and", "but", "or", "so", "because", "although", "while", "since", "yet", "nor")
var prepositions = wordList("in", "on", "at", "to", "for", "with", "from", "by", "about", "over", "under", "into", "through")
var articles = wordList("a", "an", "the")

func wordList(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func newNaturalPhrase() *naturalPhrase {
	return &naturalPhrase{spoken: make(map[string]struct{})}
}

func (n *naturalPhrase) Consume(ev Event) []Unit {
	words := strings.Fields(ev.Text)
	if n.firstEventAt.IsZero() {
		n.firstEventAt = ev.At
	}
	if len(words) > len(n.currentWords) {
		n.lastGrowthAt = ev.At
	}
	if len(words) < n.consumed {
		// Recognizer revision shrank the transcript past our cursor.
		n.consumed = len(words)
	}
	n.currentWords = words

	if ev.Final {
		return n.flushAll()
	}
	var out []Unit
	for len(n.pending()) >= naturalIdealWords {
		out = append(out, n.emitChunk(n.bestBreak(n.pending()))...)
	}
	return out
}

func (n *naturalPhrase) Tick(now time.Time) []Unit {
	pending := n.pending()
	if len(pending) < naturalMinWords {
		return nil
	}
	if !n.emittedAny && now.Sub(n.firstEventAt) < naturalInitialDelay {
		return nil
	}
	if now.Sub(n.lastGrowthAt) < naturalQuiescence {
		return nil
	}
	return n.emitChunk(n.bestBreak(pending))
}

func (n *naturalPhrase) Reset() {
	n.spoken = make(map[string]struct{})
	n.currentWords = nil
	n.consumed = 0
	n.firstEventAt = time.Time{}
	n.lastGrowthAt = time.Time{}
	n.emittedAny = false
}

func (n *naturalPhrase) pending() []string {
	if n.consumed >= len(n.currentWords) {
		return nil
	}
	return n.currentWords[n.consumed:]
}

func (n *naturalPhrase) flushAll() []Unit {
	var out []Unit
	for {
		pending := n.pending()
		if len(pending) == 0 {
			return out
		}
		if len(pending) <= naturalMaxWords {
			out = append(out, n.emitChunk(len(pending))...)
			continue
		}
		out = append(out, n.emitChunk(n.bestBreak(pending))...)
	}
}

func (n *naturalPhrase) emitChunk(size int) []Unit {
	pending := n.pending()
	if size <= 0 || size > len(pending) {
		size = len(pending)
	}
	text := strings.Join(pending[:size], " ")
	n.consumed += size
	fp := Fingerprint(text)
	if _, ok := n.spoken[fp]; ok {
		return nil
	}
	n.spoken[fp] = struct{}{}
	n.emittedAny = true
	return []Unit{{Text: text, Fingerprint: fp, Confidence: 0.8}}
}

// bestBreak scores break positions between min and max words, favoring
// phrase ends, pre-break punctuation, and upcoming connectives; a break
// right before an article is penalized.
func (n *naturalPhrase) bestBreak(pending []string) int {
	limit := naturalMaxWords
	if limit > len(pending) {
		limit = len(pending)
	}
	if limit < naturalMinWords {
		return limit
	}

	best, bestScore := limit, -1.0
	for size := naturalMinWords; size <= limit; size++ {
		score := breakScore(pending, size)
		if score > bestScore {
			best, bestScore = size, score
		}
	}
	return best
}

func breakScore(pending []string, size int) float64 {
	var score float64
	last := pending[size-1]
	switch {
	case EndsWithTerminal(last):
		score += 4
	case strings.HasSuffix(last, ",") || strings.HasSuffix(last, ";") || strings.HasSuffix(last, ":"):
		score += 3
	}
	if size < len(pending) {
		next := strings.ToLower(strings.Trim(pending[size], ".,;:!?"))
		if _, ok := conjunctions[next]; ok {
			score += 2
		} else if _, ok := prepositions[next]; ok {
			score += 1
		}
		if _, ok := articles[next]; ok {
			score -= 2
		}
	}
	// Tie-break toward the ideal chunk size.
	diff := size - naturalIdealWords
	if diff < 0 {
		diff = -diff
	}
	score -= 0.1 * float64(diff)
	return score
}
