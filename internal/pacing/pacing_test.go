package pacing

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/antoniostano/chatstream/internal/tokenize"
)

func TestDelayNeverBelowFloor(t *testing.T) {
	properties := gopter.NewProperties(nil)
	m := NewSeeded(DefaultFloor, 0.01, 7)

	properties.Property("delay >= floor", prop.ForAll(
		func(s string, idx int) bool {
			all := tokenize.Tokenize(s)
			if len(all) == 0 {
				return m.Delay("", idx, all) >= DefaultFloor
			}
			i := idx % len(all)
			return m.Delay(all[i], i, all) >= DefaultFloor
		},
		gen.AnyString(),
		gen.IntRange(0, 1000),
	))
	properties.TestingRun(t)
}

func TestDelayDeterministicForSeed(t *testing.T) {
	all := tokenize.Tokenize("Hello there. This is a test.\n\nNext paragraph.")
	a := NewSeeded(DefaultFloor, 1, 42)
	b := NewSeeded(DefaultFloor, 1, 42)
	for i, tok := range all {
		assert.Equal(t, a.Delay(tok, i, all), b.Delay(tok, i, all), "token %d %q", i, tok)
	}
}

func TestDelayHeavierAfterSentenceEnd(t *testing.T) {
	all := make([]string, 20)
	for i := range all {
		all[i] = "word"
	}
	m := NewModel(DefaultFloor, 1, nil)
	word := m.Delay("word", 10, all)
	stop := m.Delay(".", 10, all)
	para := m.Delay("\n\n", 10, all)
	assert.Greater(t, stop, word)
	assert.Greater(t, para, stop)
}

func TestDelayPositionalScaling(t *testing.T) {
	all := make([]string, 30)
	for i := range all {
		all[i] = "word"
	}
	m := NewModel(DefaultFloor, 1, nil)
	assert.Greater(t, m.Delay("word", 0, all), m.Delay("word", 15, all))
	assert.Greater(t, m.Delay("word", 29, all), m.Delay("word", 15, all))
}

func TestZeroScaleReturnsFloor(t *testing.T) {
	m := NewModel(25*time.Millisecond, 0, nil)
	assert.Equal(t, 25*time.Millisecond, m.Delay("```", 3, []string{"a", "b", "c", "```"}))
}

func TestNone(t *testing.T) {
	assert.Zero(t, None.Delay("x", 0, nil))
}
