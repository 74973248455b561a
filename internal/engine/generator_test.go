package engine

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/antoniostano/stresslab/internal/adaptive"
)

func TestNBackMatch(t *testing.T) {
	tests := []struct {
		name     string
		history  []string
		stimulus string
		level    int
		want     bool
	}{
		{name: "two back equal", history: []string{"A", "B", "A"}, stimulus: "B", level: 2, want: true},
		{name: "two back differs", history: []string{"A", "B", "A"}, stimulus: "A", level: 2, want: false},
		{name: "history exactly level", history: []string{"A", "B", "A"}, stimulus: "A", level: 3, want: true},
		{name: "insufficient history", history: []string{"A", "B"}, stimulus: "A", level: 3, want: false},
		{name: "one back", history: []string{"C"}, stimulus: "C", level: 1, want: true},
		{name: "empty history", stimulus: "C", level: 1, want: false},
		{name: "zero level", history: []string{"C"}, stimulus: "C", level: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NBackMatch(tt.history, tt.stimulus, tt.level); got != tt.want {
				t.Fatalf("NBackMatch(%v, %s, %d) = %v, want %v", tt.history, tt.stimulus, tt.level, got, tt.want)
			}
		})
	}
}

func TestNBackGeneratorUsesLevelAtGeneration(t *testing.T) {
	g := NewNBackGenerator(rand.New(rand.NewPCG(7, 11)))
	matches := 0
	for i := 0; i < 500; i++ {
		level := 1 + i%3
		prev := g.History()
		stim := g.Next(adaptive.Params{DifficultyLevel: level})

		want := ResponseNoMatch
		if NBackMatch(prev, stim.Display, level) {
			want = ResponseMatch
			matches++
		}
		if stim.Expected != want {
			t.Fatalf("trial %d: Expected = %s, want %s", i, stim.Expected, want)
		}
		if stim.Params.DifficultyLevel != level {
			t.Fatalf("trial %d: params level = %d, want %d", i, stim.Params.DifficultyLevel, level)
		}
	}
	if matches == 0 {
		t.Fatalf("no matches in 500 draws")
	}
	if got := len(g.History()); got != 500 {
		t.Fatalf("history length = %d, want 500", got)
	}
}

func TestNBackAlphabetOmitsAmbiguousLetters(t *testing.T) {
	joined := strings.Join(NBackAlphabet, "")
	if strings.ContainsAny(joined, "IO") {
		t.Fatalf("alphabet contains I or O: %s", joined)
	}
	if len(NBackAlphabet) != 18 {
		t.Fatalf("alphabet size = %d, want 18", len(NBackAlphabet))
	}
}

func TestStroopAlwaysIncongruent(t *testing.T) {
	g := &StroopGenerator{rng: rand.New(rand.NewPCG(3, 5))}
	for i := 0; i < 200; i++ {
		stim := g.Next(adaptive.Params{})
		var word, ink string
		for _, part := range strings.Fields(stim.Display) {
			switch {
			case strings.HasPrefix(part, "word="):
				word = strings.TrimPrefix(part, "word=")
			case strings.HasPrefix(part, "ink="):
				ink = strings.TrimPrefix(part, "ink=")
			}
		}
		if word == "" || ink == "" || word == ink {
			t.Fatalf("stimulus %q is not incongruent", stim.Display)
		}
		if stim.Expected != ink {
			t.Fatalf("Expected = %s, want ink %s", stim.Expected, ink)
		}
	}
}

func TestNewGeneratorUnknownTask(t *testing.T) {
	if _, err := NewGenerator("memory", nil); err == nil {
		t.Fatalf("NewGenerator(memory) error = nil")
	}
}
