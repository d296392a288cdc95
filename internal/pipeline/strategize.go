package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/document"
	"github.com/fyrsmithlabs/tabledoc/internal/prompt"
	"github.com/fyrsmithlabs/tabledoc/internal/retry"
	"github.com/fyrsmithlabs/tabledoc/internal/stagecache"
	"github.com/fyrsmithlabs/tabledoc/internal/strategy"
)

// strategize assigns zero or one strategy tag to every eligible cell.
func (j *jobRun) strategize(ctx context.Context) error {
	cells := j.table.EligibleCells()
	if a, ok := stagecache.Load[document.Assignment](j.cache, stagecache.StrategyKey()); ok {
		a.Restrict(cells)
		j.assignment = a
		j.cached = true
		j.logger.Debug("loaded strategy assignment from cache", zap.Int("cells", len(a.Assignments)))
		return nil
	}

	var a document.Assignment
	if !j.p.cfg.Strategize {
		j.logger.Info("strategy assignment disabled, assigning no strategies")
		a = document.Empty(cells)
	} else {
		defs := make([]string, len(strategy.All))
		for i, t := range strategy.All {
			defs[i] = t.Short()
		}
		user, err := prompt.Render(prompt.TmplStrategyAssignment, prompt.StrategyData{
			Table:       j.markdown,
			PrimaryKey:  j.table.KeyDisplay(),
			Definitions: defs,
		})
		if err != nil {
			return err
		}

		a, err = retry.Run(ctx, retry.Op[document.Assignment]{
			Name:         "strategy_assignment",
			Conversation: prompt.New(prompt.SystemStrategyAssignment, user),
			Generate:     j.p.generate(RolePlanner, true),
			Parse: func(raw string) (document.Assignment, error) {
				r, err := assignmentDecoder.Decode(raw)
				if err != nil {
					return document.Assignment{}, err
				}
				flat := r.flatten()
				if dropped := flat.Restrict(cells); len(dropped) > 0 {
					j.logger.Warn("dropped strategies for ineligible cells", zap.Strings("cells", dropped))
				}
				return flat, nil
			},
			Validate: func(_ context.Context, a document.Assignment) (retry.Verdict, error) {
				if defect := a.Coverage(cells); defect != "" {
					return retry.Reject(defect), nil
				}
				return retry.Accept(), nil
			},
			Feedback: func(defect string) string {
				return "Error: " + defect + ". Please assign strategies to all missing cells."
			},
			MaxAttempts: j.p.cfg.StrategyAttempts,
			Logger:      j.logger,
			OnAttempt:   j.p.observeAttempts(ctx, "strategy_assignment"),
		})
		if err != nil {
			return err
		}
	}

	if err := j.cache.Store(stagecache.StrategyKey(), a); err != nil {
		return err
	}
	j.assignment = a
	j.logger.Debug("assigned strategies", zap.Int("cells", len(a.Assignments)))
	return nil
}
