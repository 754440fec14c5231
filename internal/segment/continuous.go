package segment

import "time"

// continuous forwards raw text growth to a persistent synthesis channel.
// No utterance carving: the TTS provider owns all prosody decisions.
type continuous struct {
	minDelta int
	lastText []rune
	cursor   int
}

func newContinuous(minDelta int) *continuous {
	return &continuous{minDelta: minDelta}
}

func (c *continuous) Consume(ev Event) []Unit {
	cur := []rune(ev.Text)

	// A revision upstream of the cursor rewinds it to the common prefix so
	// the corrected suffix is re-sent.
	common := commonPrefixLen(c.lastText, cur)
	if common < c.cursor {
		c.cursor = common
	}
	c.lastText = cur

	if c.cursor >= len(cur) {
		return nil
	}
	delta := cur[c.cursor:]
	if len(delta) < c.minDelta && !ev.Final {
		return nil
	}
	c.cursor = len(cur)
	return []Unit{{
		Text:  string(delta),
		Delta: true,
		Final: ev.Final,
	}}
}

func (c *continuous) Tick(time.Time) []Unit { return nil }

func (c *continuous) Reset() {
	c.lastText = nil
	c.cursor = 0
}

func commonPrefixLen(a, b []rune) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
