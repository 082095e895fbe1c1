// Package oracle abstracts the external, latency-bearing decision functions
// the core delegates to: intent classification, parameter extraction, and
// assignment scoring. Implementations may fail; callers degrade, they never
// crash a flow.
package oracle

import (
	"context"
	"errors"

	"taskpilot/internal/domain"
)

var (
	// ErrUnavailable means the oracle could not be reached or errored.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrUnparsable means the oracle answered but the answer is unusable.
	ErrUnparsable = errors.New("oracle answer unparsable")
)

// Fields is the structured output of parameter extraction. Absent keys mean
// the oracle could not find that parameter; values are never trusted without
// validation by the caller.
type Fields map[string]string

type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

type Extractor interface {
	Extract(ctx context.Context, intent, text string) (Fields, error)
}

// Scorer picks the best-fit candidate for a task. The returned id must name
// one of the offered candidates; anything else is ErrUnparsable.
type Scorer interface {
	Score(ctx context.Context, taskName, taskDesc string, candidates map[string][]domain.Skill) (string, error)
}
