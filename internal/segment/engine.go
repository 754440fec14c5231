package segment

import (
	"time"

	"github.com/mtliou/speechrelay/internal/config"
)

// Event is one post-translation transcript update for a single
// (session, language) pipeline.
type Event struct {
	Text  string
	Final bool
	At    time.Time
}

// Unit is one synthesis unit produced by a policy. Delta units carry a raw
// text suffix for persistent-mode synthesis instead of a carved utterance.
type Unit struct {
	Text        string
	Fingerprint string
	Confidence  float64
	Delta       bool
	Final       bool
}

// Segmenter transforms the ordered (text, is_final) stream of one
// (session, language) into synthesis units. Implementations are not safe for
// concurrent use; callers serialize per pipeline.
type Segmenter interface {
	Consume(ev Event) []Unit
	// Tick drives time-based emission (quiescence, stability windows,
	// candidate pruning) between events.
	Tick(now time.Time) []Unit
	Reset()
}

// Options tunes the policies. Zero values select the defaults documented on
// each field.
type Options struct {
	// Threshold is the hybrid appearance count required for stability.
	// Defaults to 2; latency-first deployments use 1.
	Threshold int
	// TimeWindow is the hybrid age at which a twice-seen candidate becomes
	// stable. Defaults to 3s.
	TimeWindow time.Duration
	// MinDelta is the continuous-streaming minimum suffix length in runes.
	// Defaults to 3.
	MinDelta int
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = 2
	}
	if o.TimeWindow <= 0 {
		o.TimeWindow = 3 * time.Second
	}
	if o.MinDelta <= 0 {
		o.MinDelta = 3
	}
	return o
}

// New binds exactly one policy implementation.
func New(policy config.Policy, opts Options) Segmenter {
	opts = opts.withDefaults()
	switch policy {
	case config.PolicyFinalOnly:
		return newFinalOnly()
	case config.PolicyConference:
		return newConference()
	case config.PolicyNaturalPhrase:
		return newNaturalPhrase()
	case config.PolicyUltraLowLatency:
		return newUltraLowLatency()
	case config.PolicyContinuous:
		return newContinuous(opts.MinDelta)
	case config.PolicyHybrid:
		fallthrough
	default:
		return newHybrid(opts.Threshold, opts.TimeWindow)
	}
}
