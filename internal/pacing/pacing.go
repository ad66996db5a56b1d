// Package pacing computes the presentation delay between streamed tokens.
package pacing

import (
	"math/rand/v2"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/antoniostano/chatstream/internal/tokenize"
)

// DefaultFloor is the smallest delay Model ever returns.
const DefaultFloor = 10 * time.Millisecond

// Pacer decides how long to wait before emitting all[index].
type Pacer interface {
	Delay(token string, index int, all []string) time.Duration
}

// Func adapts a plain function to Pacer.
type Func func(token string, index int, all []string) time.Duration

func (f Func) Delay(token string, index int, all []string) time.Duration {
	return f(token, index, all)
}

// None never waits.
var None Pacer = Func(func(string, int, []string) time.Duration { return 0 })

// Model simulates generation latency from the token class, its position and
// a jitter drawn from an injected random source.
type Model struct {
	Floor time.Duration
	Scale float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewModel returns a Model. A nil rng disables jitter, which makes Delay
// fully deterministic.
func NewModel(floor time.Duration, scale float64, rng *rand.Rand) *Model {
	if floor <= 0 {
		floor = DefaultFloor
	}
	if scale < 0 {
		scale = 1
	}
	return &Model{Floor: floor, Scale: scale, rng: rng}
}

// NewSeeded returns a Model whose jitter is reproducible for a given seed.
func NewSeeded(floor time.Duration, scale float64, seed uint64) *Model {
	return NewModel(floor, scale, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

func (m *Model) Delay(token string, index int, all []string) time.Duration {
	ms := baseMS(token)

	switch {
	case index < 5:
		ms *= 1.4
	case len(all) > 0 && index >= len(all)-5:
		ms *= 1.2
	}
	ms *= m.jitter()
	ms *= m.Scale

	d := time.Duration(ms * float64(time.Millisecond))
	if d < m.Floor {
		return m.Floor
	}
	return d
}

func (m *Model) jitter() float64 {
	if m.rng == nil {
		return 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return 0.85 + m.rng.Float64()*0.3
}

func baseMS(token string) float64 {
	switch tokenize.Classify(token) {
	case tokenize.ClassParagraph:
		return 260
	case tokenize.ClassFence:
		return 220
	case tokenize.ClassSentenceEnd:
		return 180
	case tokenize.ClassHeader:
		return 150
	case tokenize.ClassNewline:
		return 90
	case tokenize.ClassPause:
		return 70
	case tokenize.ClassQuote:
		return 40
	case tokenize.ClassInlineCode:
		return 20
	case tokenize.ClassPipe:
		return 14
	case tokenize.ClassEmphasis:
		return 12
	case tokenize.ClassSpace:
		return 8
	default:
		n := utf8.RuneCountInString(token)
		if n > 12 {
			n = 12
		}
		return 28 + 2*float64(n)
	}
}
