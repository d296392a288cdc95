// Package retry drives generate → parse → validate loops with corrective feedback.
//
// Every structured generation in the pipeline (strategy assignment, cell
// guidance, fact splitting, document planning) runs through Run, so all of them
// share one attempt budget semantics and one feedback contract: a rejected
// output is appended to the conversation as an assistant turn, followed by a
// user turn describing the defect.
package retry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/prompt"
)

// ErrExhausted matches any *ExhaustedError.
var ErrExhausted = errors.New("validation retries exhausted")

// Verdict is a validator's decision on a parsed candidate.
type Verdict struct {
	Accepted bool
	Defect   string
}

// Accept returns an accepting verdict.
func Accept() Verdict { return Verdict{Accepted: true} }

// Reject returns a rejecting verdict with a human-readable defect.
func Reject(defect string) Verdict { return Verdict{Defect: defect} }

// Attempt describes one finished attempt, for observers.
type Attempt struct {
	Name     string
	Number   int
	Accepted bool
	Defect   string
	Err      error
}

// Op describes one validate-retry operation producing a T.
type Op[T any] struct {
	// Name identifies the operation in logs and errors.
	Name string
	// Conversation is the initial request.
	Conversation prompt.Conversation
	// Generate produces raw text for a conversation.
	Generate func(ctx context.Context, conv prompt.Conversation) (string, error)
	// Parse turns raw text into a candidate. A parse error rejects the attempt.
	Parse func(raw string) (T, error)
	// Validate checks a parsed candidate. Nil accepts every candidate.
	// A returned error consumes the attempt without extending the conversation.
	Validate func(ctx context.Context, candidate T) (Verdict, error)
	// Feedback formats the corrective user turn. Nil uses DefaultFeedback.
	Feedback func(defect string) string
	// MaxAttempts bounds the number of generations. Values below 1 mean 1.
	MaxAttempts int
	Logger      *zap.Logger
	// OnAttempt, when set, is called after every attempt.
	OnAttempt func(Attempt)
}

// ExhaustedError reports an operation that never produced an accepted record.
type ExhaustedError struct {
	Name       string
	Attempts   int
	LastDefect string
	LastErr    error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s: no accepted result after %d attempts", e.Name, e.Attempts)
	if e.LastDefect != "" {
		msg += ": last defect: " + e.LastDefect
	}
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrExhausted) true.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Unwrap returns the last generation or validation error, if any.
func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// DefaultFeedback is the corrective turn used when Op.Feedback is nil.
func DefaultFeedback(defect string) string {
	return "Your previous answer was rejected.\n\n" + defect + "\n\nPlease return a corrected answer."
}

// Run executes op until a candidate is accepted or attempts run out.
func Run[T any](ctx context.Context, op Op[T]) (T, error) {
	var zero T

	logger := op.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	feedback := op.Feedback
	if feedback == nil {
		feedback = DefaultFeedback
	}
	maxAttempts := op.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	conv := op.Conversation
	var lastDefect string
	var lastErr error

	for n := 1; n <= maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		raw, err := op.Generate(ctx, conv)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, ctxErr
			}
			lastErr = err
			logger.Warn("generation failed",
				zap.String("operation", op.Name),
				zap.Int("attempt", n),
				zap.Int("max_attempts", maxAttempts),
				zap.Error(err))
			notify(op, Attempt{Name: op.Name, Number: n, Err: err})
			continue
		}

		candidate, verdict, err := evaluate(ctx, op, raw)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, ctxErr
			}
			lastErr = err
			logger.Warn("validation could not run",
				zap.String("operation", op.Name),
				zap.Int("attempt", n),
				zap.Error(err))
			notify(op, Attempt{Name: op.Name, Number: n, Err: err})
			continue
		}

		if verdict.Accepted {
			notify(op, Attempt{Name: op.Name, Number: n, Accepted: true})
			if n > 1 {
				logger.Debug("accepted after retry",
					zap.String("operation", op.Name),
					zap.Int("attempt", n))
			}
			return candidate, nil
		}

		lastDefect = verdict.Defect
		logger.Warn("candidate rejected",
			zap.String("operation", op.Name),
			zap.Int("attempt", n),
			zap.Int("max_attempts", maxAttempts),
			zap.String("defect", truncate(verdict.Defect, 500)))
		notify(op, Attempt{Name: op.Name, Number: n, Defect: verdict.Defect})

		conv = conv.Append(prompt.Assistant(raw), prompt.User(feedback(verdict.Defect)))
	}

	return zero, &ExhaustedError{
		Name:       op.Name,
		Attempts:   maxAttempts,
		LastDefect: lastDefect,
		LastErr:    lastErr,
	}
}

// evaluate parses and validates raw. Parse failures become rejections.
func evaluate[T any](ctx context.Context, op Op[T], raw string) (T, Verdict, error) {
	candidate, err := op.Parse(raw)
	if err != nil {
		return candidate, Reject("The output could not be parsed: " + err.Error()), nil
	}
	if op.Validate == nil {
		return candidate, Accept(), nil
	}
	verdict, err := op.Validate(ctx, candidate)
	if err != nil {
		return candidate, Verdict{}, err
	}
	if !verdict.Accepted && verdict.Defect == "" {
		verdict.Defect = "The output failed validation without a specific reason."
	}
	return candidate, verdict, nil
}

func notify[T any](op Op[T], a Attempt) {
	if op.OnAttempt != nil {
		op.OnAttempt(a)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
