// Package evaluation scores a finished practice conversation.
//
// Scoring is an external capability behind the [Evaluator] interface. The
// [Placeholder] evaluator returns fixed scores and is the default; the
// openai subpackage asks a chat model for a structured assessment.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxScore is the top of every score scale.
const MaxScore = 10

// Message is one line of a finished conversation.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Transcript is the input to an Evaluator.
type Transcript struct {
	ScenarioID    string    `json:"scenarioId"`
	ScenarioTitle string    `json:"scenarioTitle"`
	Messages      []Message `json:"messages"`
}

// Evaluation is the assessment shown after a conversation.
type Evaluation struct {
	PronunciationScore int      `json:"pronunciationScore"`
	GrammarScore       int      `json:"grammarScore"`
	VocabularyScore    int      `json:"vocabularyScore"`
	CommunicationScore int      `json:"communicationScore"`
	OverallScore       int      `json:"overallScore"`
	Feedback           string   `json:"feedback"`
	Suggestions        []string `json:"suggestions"`
}

// Validate checks that every score lies within [0, MaxScore] and that
// feedback is present.
func (e *Evaluation) Validate() error {
	var errs []error
	scores := []struct {
		name  string
		value int
	}{
		{"pronunciationScore", e.PronunciationScore},
		{"grammarScore", e.GrammarScore},
		{"vocabularyScore", e.VocabularyScore},
		{"communicationScore", e.CommunicationScore},
		{"overallScore", e.OverallScore},
	}
	for _, s := range scores {
		if s.value < 0 || s.value > MaxScore {
			errs = append(errs, fmt.Errorf("%s %d out of range [0, %d]", s.name, s.value, MaxScore))
		}
	}
	if strings.TrimSpace(e.Feedback) == "" {
		errs = append(errs, errors.New("feedback is required"))
	}
	return errors.Join(errs...)
}

// Evaluator scores a transcript.
type Evaluator interface {
	Evaluate(ctx context.Context, t Transcript) (*Evaluation, error)
}

// Placeholder returns the same assessment for every conversation.
type Placeholder struct{}

var _ Evaluator = Placeholder{}

// Evaluate implements Evaluator. It never fails.
func (Placeholder) Evaluate(_ context.Context, _ Transcript) (*Evaluation, error) {
	return &Evaluation{
		PronunciationScore: 8,
		GrammarScore:       7,
		VocabularyScore:    8,
		CommunicationScore: 9,
		OverallScore:       8,
		Feedback:           "Great job! Your English conversation skills are improving. You spoke clearly and used appropriate vocabulary for the situation.",
		Suggestions: []string{
			"Try to use more varied sentence structures",
			"Practice linking words to sound more natural",
			"Work on using past tense forms more accurately",
		},
	}, nil
}

// ScoreLabel returns the encouragement shown next to a score.
func ScoreLabel(score int) string {
	switch {
	case score >= 9:
		return "훌륭해요!"
	case score >= 7:
		return "잘했어요!"
	case score >= 5:
		return "괜찮아요"
	default:
		return "연습이 더 필요해요"
	}
}

// ScoreColor returns the bar colour for a score.
func ScoreColor(score int) string {
	switch {
	case score >= 8:
		return "#4caf50"
	case score >= 6:
		return "#ff9800"
	default:
		return "#f44336"
	}
}

// ── Scorecard ─────────────────────────────────────────────────────────────────

// Category is one score bar of a [Scorecard].
type Category struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
	Color string `json:"color"`
}

// Scorecard is an evaluation laid out for display: the overall score with
// its label and colour, then one bar per category.
type Scorecard struct {
	Overall      int        `json:"overall"`
	OverallLabel string     `json:"overallLabel"`
	OverallColor string     `json:"overallColor"`
	Categories   []Category `json:"categories"`
}

// NewScorecard lays out e for display. It returns nil for a nil evaluation.
func NewScorecard(e *Evaluation) *Scorecard {
	if e == nil {
		return nil
	}
	bar := func(name string, score int) Category {
		return Category{Name: name, Score: score, Color: ScoreColor(score)}
	}
	return &Scorecard{
		Overall:      e.OverallScore,
		OverallLabel: ScoreLabel(e.OverallScore),
		OverallColor: ScoreColor(e.OverallScore),
		Categories: []Category{
			bar("pronunciation", e.PronunciationScore),
			bar("grammar", e.GrammarScore),
			bar("vocabulary", e.VocabularyScore),
			bar("communication", e.CommunicationScore),
		},
	}
}
