package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/internal/evaluation"
)

// GuardedEvaluator forwards to an evaluator through a [Breaker].
type GuardedEvaluator struct {
	next    evaluation.Evaluator
	breaker *Breaker
}

var _ evaluation.Evaluator = (*GuardedEvaluator)(nil)

// GuardEvaluator wraps next. While the breaker is open Evaluate fails
// immediately with an error wrapping [ErrOpen].
func GuardEvaluator(next evaluation.Evaluator, cfg BreakerConfig) *GuardedEvaluator {
	if cfg.Name == "" {
		cfg.Name = "evaluation"
	}
	return &GuardedEvaluator{next: next, breaker: NewBreaker(cfg)}
}

// Evaluate implements [evaluation.Evaluator].
func (g *GuardedEvaluator) Evaluate(ctx context.Context, t evaluation.Transcript) (*evaluation.Evaluation, error) {
	var ev *evaluation.Evaluation
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		ev, err = g.next.Evaluate(ctx, t)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: evaluate: %w", err)
	}
	return ev, nil
}

// State reports the breaker state.
func (g *GuardedEvaluator) State() State { return g.breaker.State() }
