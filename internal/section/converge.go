package section

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/document"
)

// Config wires the generation steps Converge drives.
type Config struct {
	MaxRounds int
	// Verify checks one section. An error counts as a failed verification.
	Verify func(ctx context.Context, s document.Section) (document.Verification, error)
	// Repair rewrites a section to address the defects. On error the section
	// keeps its previous content.
	Repair func(ctx context.Context, s document.Section, v document.Verification) (string, error)
	// Persist stores a section after every transition.
	Persist func(s document.Section) error
	// OnRound, when set, is called at the start of each round.
	OnRound func(round, pending int)
	Logger  *zap.Logger
}

// Report summarizes a convergence run.
type Report struct {
	Rounds   int
	Verified int
	Pending  []int
}

// Converged reports whether every section ended verified.
func (r Report) Converged() bool { return len(r.Pending) == 0 }

// Converge runs verify/repair rounds over the unverified sections. Sections
// in each round are processed concurrently and recombined by id. The returned
// sections keep the input order.
func Converge(ctx context.Context, sections []document.Section, cfg Config) ([]document.Section, Report) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	out := append([]document.Section(nil), sections...)
	pos := make(map[int]int, len(out))
	tracker := NewTracker()
	for i, s := range out {
		pos[s.SectionID] = i
		if s.Verified {
			tracker.Seed(s.SectionID, Verified, s.Content)
		} else {
			tracker.Seed(s.SectionID, Written, s.Content)
		}
	}

	var report Report
	for round := 1; round <= cfg.MaxRounds; round++ {
		if ctx.Err() != nil {
			break
		}
		var pending []document.Section
		for _, s := range out {
			if !s.Verified {
				pending = append(pending, s)
			}
		}
		if len(pending) == 0 {
			break
		}

		report.Rounds = round
		if cfg.OnRound != nil {
			cfg.OnRound(round, len(pending))
		}
		logger.Debug("verify/repair round",
			zap.Int("round", round),
			zap.Int("max_rounds", cfg.MaxRounds),
			zap.Int("pending", len(pending)))

		results := make([]document.Section, len(pending))
		var wg sync.WaitGroup
		for i, s := range pending {
			wg.Add(1)
			go func(i int, s document.Section) {
				defer wg.Done()
				results[i] = step(ctx, s, tracker, cfg, logger)
			}(i, s)
		}
		wg.Wait()

		for _, r := range results {
			out[pos[r.SectionID]] = r
		}
	}

	for _, s := range out {
		if s.Verified {
			report.Verified++
		} else {
			report.Pending = append(report.Pending, s.SectionID)
		}
	}
	sort.Ints(report.Pending)
	return out, report
}

// step verifies one section and repairs it on failure.
func step(ctx context.Context, s document.Section, tracker *Tracker, cfg Config, logger *zap.Logger) document.Section {
	log := logger.With(zap.Int("section_id", s.SectionID))

	verdict, err := cfg.Verify(ctx, s)
	if err != nil {
		log.Warn("section verification failed", zap.Error(err))
		verdict = document.FailedVerification(err)
	}

	if verdict.OK {
		if err := tracker.Transition(s.SectionID, Verified, ""); err != nil {
			log.Error("state transition rejected", zap.Error(err))
			return s
		}
		s.Verified = true
		persist(cfg, s, log)
		return s
	}

	if err := tracker.Transition(s.SectionID, RepairPending, ""); err != nil {
		log.Error("state transition rejected", zap.Error(err))
		return s
	}
	log.Debug("section needs repair", zap.Int("defects", len(verdict.Errors)))

	repaired, err := cfg.Repair(ctx, s, verdict)
	if err != nil {
		log.Warn("section repair failed, keeping previous content", zap.Error(err))
		repaired = s.Content
	}
	if err := tracker.Transition(s.SectionID, Written, repaired); err != nil {
		log.Error("state transition rejected", zap.Error(err))
	}
	s.Content = repaired
	s.Verified = false
	persist(cfg, s, log)
	return s
}

func persist(cfg Config, s document.Section, log *zap.Logger) {
	if cfg.Persist == nil {
		return
	}
	if err := cfg.Persist(s); err != nil {
		log.Warn("failed to persist section", zap.Error(err))
	}
}
