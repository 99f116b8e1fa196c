package memory

import (
	"strings"
	"time"
	"unicode"

	"github.com/samber/lo"
)

// ScoreContext carries the conversational context an importance score may
// depend on. The scorer itself is pure over its inputs.
type ScoreContext struct {
	MessageType MessageType
	Timestamp   time.Time
	Now         time.Time
}

// Scorer computes the initial importance of a memory candidate. The score
// combines a content signal (entities, question/answer structure, lexical
// density) with a context signal (recency, explicit emphasis).
type Scorer struct {
	params Params
}

// NewScorer creates a Scorer with the given tuning.
func NewScorer(params Params) *Scorer {
	return &Scorer{params: params}
}

var emphasisMarkers = []string{
	"important", "remember", "don't forget", "note that", "always", "never",
	"my name is", "i am", "i'm", "i prefer", "i like", "i hate", "i need",
}

// Score returns an importance in [0, ImportanceCap]. More informative content
// never scores below a near-empty variant of itself: every signal is additive
// and non-negative.
func (s *Scorer) Score(text string, sctx ScoreContext) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	content := s.contentSignal(text)
	context := s.contextSignal(text, sctx)

	// Content dominates; context nudges the score up for fresh, emphasized
	// statements.
	return s.params.ClampImportance(0.7*content + 0.3*context)
}

func (s *Scorer) contentSignal(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	// Lexical density: distinct tokens over total, so repetitive filler
	// scores below genuinely novel content of the same length.
	lowered := lo.Map(words, func(w string, _ int) string {
		return strings.ToLower(strings.Trim(w, ".,!?;:\"'"))
	})
	density := float64(len(lo.Uniq(lowered))) / float64(len(words))

	// Entity-ish tokens: capitalized words past the sentence start and
	// tokens carrying digits, both strong hints of names, dates, amounts.
	entities := 0
	for i, w := range words {
		r := []rune(w)
		if len(r) == 0 {
			continue
		}
		if i > 0 && unicode.IsUpper(r[0]) {
			entities++
			continue
		}
		if strings.ContainsFunc(w, unicode.IsDigit) {
			entities++
		}
	}
	entitySignal := float64(entities) / float64(len(words))
	if entitySignal > 0.5 {
		entitySignal = 0.5
	}

	// Question/answer structure reads as information exchange.
	structural := 0.0
	if strings.Contains(text, "?") {
		structural += 0.1
	}
	if len(words) >= 5 {
		structural += 0.1
	}

	sig := 0.4*density + entitySignal + structural
	if sig > 1 {
		sig = 1
	}
	return sig
}

func (s *Scorer) contextSignal(text string, sctx ScoreContext) float64 {
	sig := 0.0

	lower := strings.ToLower(text)
	for _, marker := range emphasisMarkers {
		if strings.Contains(lower, marker) {
			sig += 0.3
			break
		}
	}
	if strings.Contains(text, "!") {
		sig += 0.1
	}

	// Human statements carry more durable user knowledge than assistant
	// output replaying it.
	if sctx.MessageType == MessageTypeHuman {
		sig += 0.2
	}

	// Recency: full weight within one decay interval, fading after.
	now := sctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	if !sctx.Timestamp.IsZero() {
		sig += 0.4 * s.params.RecencyWeight(sctx.Timestamp, now)
	} else {
		sig += 0.4
	}

	if sig > 1 {
		sig = 1
	}
	return sig
}
