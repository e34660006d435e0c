package evaluation_test

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/evaluation"
)

func TestPlaceholder(t *testing.T) {
	t.Parallel()

	ev, err := evaluation.Placeholder{}.Evaluate(context.Background(), evaluation.Transcript{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.OverallScore != 8 || ev.GrammarScore != 7 || ev.CommunicationScore != 9 {
		t.Errorf("scores = %+v", ev)
	}
	if len(ev.Suggestions) != 3 {
		t.Errorf("suggestions = %d, want 3", len(ev.Suggestions))
	}
	if err := ev.Validate(); err != nil {
		t.Errorf("placeholder does not validate: %v", err)
	}
}

func TestScoreLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score int
		want  string
	}{
		{10, "훌륭해요!"},
		{9, "훌륭해요!"},
		{8, "잘했어요!"},
		{7, "잘했어요!"},
		{6, "괜찮아요"},
		{5, "괜찮아요"},
		{4, "연습이 더 필요해요"},
		{0, "연습이 더 필요해요"},
	}
	for _, tt := range tests {
		if got := evaluation.ScoreLabel(tt.score); got != tt.want {
			t.Errorf("ScoreLabel(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestScoreColor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score int
		want  string
	}{
		{9, "#4caf50"},
		{8, "#4caf50"},
		{7, "#ff9800"},
		{6, "#ff9800"},
		{5, "#f44336"},
	}
	for _, tt := range tests {
		if got := evaluation.ScoreColor(tt.score); got != tt.want {
			t.Errorf("ScoreColor(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ev := &evaluation.Evaluation{GrammarScore: 11, OverallScore: -1}
	err := ev.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"grammarScore 11", "overallScore -1", "feedback is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err = %v, missing %q", err, want)
		}
	}
}

func TestNewScorecard(t *testing.T) {
	t.Parallel()

	if evaluation.NewScorecard(nil) != nil {
		t.Error("scorecard for nil evaluation")
	}

	ev, _ := evaluation.Placeholder{}.Evaluate(context.Background(), evaluation.Transcript{})
	sc := evaluation.NewScorecard(ev)
	if sc.Overall != 8 || sc.OverallLabel != "잘했어요!" || sc.OverallColor != "#4caf50" {
		t.Errorf("overall = %d %q %q", sc.Overall, sc.OverallLabel, sc.OverallColor)
	}
	want := []evaluation.Category{
		{Name: "pronunciation", Score: 8, Color: "#4caf50"},
		{Name: "grammar", Score: 7, Color: "#ff9800"},
		{Name: "vocabulary", Score: 8, Color: "#4caf50"},
		{Name: "communication", Score: 9, Color: "#4caf50"},
	}
	if len(sc.Categories) != len(want) {
		t.Fatalf("categories = %+v", sc.Categories)
	}
	for i, c := range sc.Categories {
		if c != want[i] {
			t.Errorf("category %d = %+v, want %+v", i, c, want[i])
		}
	}
}
