package engine

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/antoniostano/stresslab/internal/adaptive"
	"github.com/antoniostano/stresslab/internal/sink"
)

const (
	ResponseMatch   = "match"
	ResponseNoMatch = "no_match"
	ResponsePress   = "press"
	ResponseEarly   = "early"
)

// NBackAlphabet excludes I and O, which read too close to digits.
var NBackAlphabet = []string{"A", "B", "C", "D", "E", "F", "G", "H", "J", "K", "L", "M", "N", "P", "Q", "R", "S", "T"}

// StroopColors are the word and ink colours of the Stroop task.
var StroopColors = []string{"RED", "BLUE", "GREEN", "YELLOW"}

// Stimulus is one generated trial. Expected is fixed at generation time.
type Stimulus struct {
	Task     sink.Task
	Display  string
	Expected string
	Params   adaptive.Params
	ShownAt  time.Time
}

// Generator produces stimuli for one task.
type Generator interface {
	Task() sink.Task
	Next(p adaptive.Params) Stimulus
}

// NewGenerator returns the generator for task.
func NewGenerator(task sink.Task, rng *rand.Rand) (Generator, error) {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	switch task {
	case sink.TaskNBack:
		return NewNBackGenerator(rng), nil
	case sink.TaskStroop:
		return &StroopGenerator{rng: rng}, nil
	case sink.TaskReaction:
		return ReactionGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown task %q", task)
	}
}

// NBackMatch reports whether stimulus equals the entry level positions back
// in history. history holds earlier stimuli only.
func NBackMatch(history []string, stimulus string, level int) bool {
	if level < 1 || len(history) < level {
		return false
	}
	return history[len(history)-level] == stimulus
}

// NBackGenerator draws letters uniformly and keeps the session history.
type NBackGenerator struct {
	rng     *rand.Rand
	history []string
}

func NewNBackGenerator(rng *rand.Rand) *NBackGenerator {
	return &NBackGenerator{rng: rng}
}

func (g *NBackGenerator) Task() sink.Task { return sink.TaskNBack }

func (g *NBackGenerator) Next(p adaptive.Params) Stimulus {
	return g.push(NBackAlphabet[g.rng.IntN(len(NBackAlphabet))], p)
}

// History returns a copy of the stimuli shown so far.
func (g *NBackGenerator) History() []string {
	return append([]string(nil), g.history...)
}

func (g *NBackGenerator) push(letter string, p adaptive.Params) Stimulus {
	level := p.DifficultyLevel
	if level < 1 {
		level = 1
	}
	expected := ResponseNoMatch
	if NBackMatch(g.history, letter, level) {
		expected = ResponseMatch
	}
	g.history = append(g.history, letter)
	return Stimulus{Task: sink.TaskNBack, Display: letter, Expected: expected, Params: p}
}

// StroopGenerator shows a colour word printed in a different ink. The
// correct answer is the ink.
type StroopGenerator struct {
	rng *rand.Rand
}

func (g *StroopGenerator) Task() sink.Task { return sink.TaskStroop }

func (g *StroopGenerator) Next(p adaptive.Params) Stimulus {
	word := g.rng.IntN(len(StroopColors))
	ink := g.rng.IntN(len(StroopColors) - 1)
	if ink >= word {
		ink++
	}
	return Stimulus{
		Task:     sink.TaskStroop,
		Display:  fmt.Sprintf("word=%s ink=%s", StroopColors[word], StroopColors[ink]),
		Expected: StroopColors[ink],
		Params:   p,
	}
}

// ReactionGenerator yields a go signal; timing is handled by ReactionRunner.
type ReactionGenerator struct{}

func (ReactionGenerator) Task() sink.Task { return sink.TaskReaction }

func (ReactionGenerator) Next(p adaptive.Params) Stimulus {
	return Stimulus{Task: sink.TaskReaction, Display: "go", Expected: ResponsePress, Params: p}
}
