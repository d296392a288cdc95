package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/document"
	"github.com/fyrsmithlabs/tabledoc/internal/prompt"
	"github.com/fyrsmithlabs/tabledoc/internal/section"
	"github.com/fyrsmithlabs/tabledoc/internal/stagecache"
)

const firstSectionNote = "This is the first section of the document."

// write produces every planned section concurrently. Sections that fail to
// write are dropped and reported.
func (j *jobRun) write(ctx context.Context) error {
	plans := j.plan.Sections
	written := make([]*document.Section, len(plans))
	errs := make([]error, len(plans))
	hits := make([]bool, len(plans))

	var wg sync.WaitGroup
	for i := range plans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic writing section %d: %v", plans[i].SectionID, r)
				}
			}()
			if s, ok := stagecache.Load[document.Section](j.cache, stagecache.SectionKey(plans[i].SectionID)); ok {
				written[i] = &s
				hits[i] = true
				return
			}
			s, err := j.writeSection(ctx, i)
			if err != nil {
				errs[i] = err
				return
			}
			written[i] = &s
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	j.cached = len(plans) > 0
	for i, sp := range plans {
		if errs[i] != nil {
			j.logger.Error("failed to write section, dropping it",
				zap.Int("section_id", sp.SectionID), zap.Error(errs[i]))
			j.droppedSections = append(j.droppedSections, sp.SectionID)
			j.cached = false
			continue
		}
		if !hits[i] {
			j.cached = false
		}
		j.sections = append(j.sections, *written[i])
	}
	j.p.metrics.recordDropped(ctx, "section", len(j.droppedSections))

	if len(j.sections) == 0 && len(plans) > 0 {
		return fmt.Errorf("%w: no section could be written", ErrIncomplete)
	}
	j.logger.Info("wrote sections",
		zap.Int("sections", len(j.sections)),
		zap.Int("dropped", len(j.droppedSections)))
	return nil
}

func (j *jobRun) writeSection(ctx context.Context, i int) (document.Section, error) {
	sp := j.plan.Sections[i]
	prev := j.plan.PreviousSummary(i)
	if prev == "" {
		prev = firstSectionNote
	}
	user, err := prompt.Render(prompt.TmplWriteSection, prompt.SectionData{
		Theme:           j.plan.Theme,
		Genre:           j.plan.Genre,
		PreviousSummary: prev,
		Title:           sp.Title,
		Summary:         sp.Summary,
		Goal:            sp.Goal,
		Facts:           document.RenderEntries(j.facts.Expand(sp.Facts), false),
	})
	if err != nil {
		return document.Section{}, err
	}

	content, err := j.p.generate(RoleWriter, false)(ctx, prompt.New(prompt.SystemWriteSection, user))
	if err != nil {
		return document.Section{}, err
	}
	s := document.Section{SectionID: sp.SectionID, Title: sp.Title, Content: content}
	if err := j.cache.Store(stagecache.SectionKey(s.SectionID), s); err != nil {
		return document.Section{}, err
	}
	return s, nil
}

// converge runs verify/repair rounds until every section is verified.
func (j *jobRun) converge(ctx context.Context) error {
	plans := make(map[int]document.SectionPlan, len(j.plan.Sections))
	for _, sp := range j.plan.Sections {
		plans[sp.SectionID] = sp
	}

	before := 0
	for _, s := range j.sections {
		if s.Verified {
			before++
		}
	}

	sections, report := section.Converge(ctx, j.sections, section.Config{
		MaxRounds: j.p.cfg.VerifyRepairRounds,
		Verify: func(ctx context.Context, s document.Section) (document.Verification, error) {
			return j.verifySection(ctx, s, plans[s.SectionID])
		},
		Repair: func(ctx context.Context, s document.Section, v document.Verification) (string, error) {
			return j.repairSection(ctx, s, plans[s.SectionID], v)
		},
		Persist: func(s document.Section) error {
			return j.cache.Store(stagecache.SectionKey(s.SectionID), s)
		},
		OnRound: func(round, pending int) {
			trace.SpanFromContext(ctx).AddEvent("section.round", trace.WithAttributes(
				attribute.Int("round", round),
				attribute.Int("pending", pending),
			))
			j.p.metrics.recordRound(ctx)
		},
		Logger: j.logger,
	})

	sort.SliceStable(sections, func(a, b int) bool { return sections[a].SectionID < sections[b].SectionID })
	j.sections = sections
	j.report = report
	j.cached = report.Rounds == 0
	j.p.metrics.recordVerified(ctx, report.Verified-before)

	if err := ctx.Err(); err != nil {
		return err
	}
	if !report.Converged() {
		inc := &document.IncompleteError{
			Verified:   report.Verified,
			Total:      len(sections),
			Unverified: report.Pending,
		}
		return fmt.Errorf("%w: %w", ErrIncomplete, inc)
	}
	return nil
}

func (j *jobRun) verifySection(ctx context.Context, s document.Section, sp document.SectionPlan) (document.Verification, error) {
	user, err := prompt.Render(prompt.TmplVerifySection, prompt.SectionData{
		Table:   j.markdown,
		Title:   sp.Title,
		Content: s.Content,
		Facts:   document.RenderEntries(j.facts.Expand(sp.Facts), true),
	})
	if err != nil {
		return document.Verification{}, err
	}
	raw, err := j.p.generate(RoleVerifier, true)(ctx, prompt.New(prompt.SystemVerifySection, user))
	if err != nil {
		return document.Verification{}, err
	}
	v, err := verificationDecoder.Decode(raw)
	if err != nil {
		return document.Verification{}, fmt.Errorf("decoding verification: %w", err)
	}
	return v, nil
}

func (j *jobRun) repairSection(ctx context.Context, s document.Section, sp document.SectionPlan, v document.Verification) (string, error) {
	user, err := prompt.Render(prompt.TmplRepairSection, prompt.SectionData{
		Content: s.Content,
		Errors:  v.Bullets(),
		Facts:   document.RenderEntries(j.facts.Expand(sp.Facts), false),
	})
	if err != nil {
		return "", err
	}
	content, err := j.p.generate(RoleWriter, false)(ctx, prompt.New(prompt.SystemRepairSection, user))
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", errors.New("repair returned empty content")
	}
	return content, nil
}
