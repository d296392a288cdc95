package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/document"
	"github.com/fyrsmithlabs/tabledoc/internal/prompt"
	"github.com/fyrsmithlabs/tabledoc/internal/retry"
	"github.com/fyrsmithlabs/tabledoc/internal/stagecache"
)

// design designs the document and places every planning-universe statement in
// exactly one section.
func (j *jobRun) design(ctx context.Context) error {
	if plan, ok := stagecache.Load[document.Plan](j.cache, stagecache.PlanKey()); ok {
		j.plan = plan
		j.cached = true
		j.logger.Debug("loaded document plan from cache", zap.Int("sections", len(plan.Sections)))
		return nil
	}

	universe := j.facts.Universe()
	if n := j.facts.Disambiguated(); n > 0 {
		j.logger.Warn("repeated fact statements suffixed with their cell key", zap.Int("statements", n))
	}
	catalog := document.NewCatalog(universe, j.facts)
	cfg := j.p.cfg
	lo, hi := document.SectionBounds(len(universe), cfg.FactsPerSectionMin, cfg.FactsPerSectionMax, cfg.SectionsMin, cfg.SectionsMax)

	dispersion := prompt.SparseDispersion
	if cfg.Dispersion == DispersionDense {
		dispersion = prompt.DenseDispersion
	}
	user, err := prompt.Render(prompt.TmplDocumentPlan, prompt.PlanData{
		MinSections: lo,
		MaxSections: hi,
		Dispersion:  dispersion,
		Facts:       catalog.Lines(),
	})
	if err != nil {
		return err
	}

	plan, err := retry.Run(ctx, retry.Op[document.Plan]{
		Name:         "document_plan",
		Conversation: prompt.New(prompt.SystemDocumentPlan, user),
		Generate:     j.p.generate(RolePlanner, true),
		Parse: func(raw string) (document.Plan, error) {
			r, err := planDecoder.Decode(raw)
			if err != nil {
				return document.Plan{}, err
			}
			plan := document.Plan{Theme: r.Theme, Genre: r.Genre}
			for _, s := range r.Sections {
				refs := make([]string, len(s.Facts))
				for i, f := range s.Facts {
					refs[i] = string(f)
				}
				plan.Sections = append(plan.Sections, document.SectionPlan{
					SectionID: s.SectionID,
					Title:     s.Title,
					Goal:      s.Goal,
					Summary:   s.Summary,
					Facts:     catalog.Resolve(refs),
				})
			}
			return plan, plan.Check()
		},
		Validate: func(_ context.Context, plan document.Plan) (retry.Verdict, error) {
			report := document.ValidatePartition(plan, universe)
			if !report.OK() {
				return retry.Reject(report.Message()), nil
			}
			return retry.Accept(), nil
		},
		Feedback: func(defect string) string {
			return "Error: " + defect + ". Fix the plan."
		},
		MaxAttempts: cfg.PlanAttempts,
		Logger:      j.logger,
		OnAttempt:   j.p.observeAttempts(ctx, "document_plan"),
	})
	if err != nil {
		return err
	}

	if err := j.cache.Store(stagecache.PlanKey(), plan); err != nil {
		return err
	}
	j.plan = plan
	j.logger.Debug("planned document",
		zap.Int("sections", len(plan.Sections)),
		zap.Int("facts", len(universe)),
		zap.Int("min_sections", lo),
		zap.Int("max_sections", hi))
	return nil
}
