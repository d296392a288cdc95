package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/document"
	"github.com/fyrsmithlabs/tabledoc/internal/prompt"
	"github.com/fyrsmithlabs/tabledoc/internal/retry"
	"github.com/fyrsmithlabs/tabledoc/internal/stagecache"
	"github.com/fyrsmithlabs/tabledoc/internal/strategy"
	"github.com/fyrsmithlabs/tabledoc/internal/table"
)

// cellGuidanceRecord is the cached per-cell guidance.
type cellGuidanceRecord struct {
	Guidance string `json:"guidance"`
}

func (r *cellGuidanceRecord) Check() error {
	if r.Guidance == "" {
		return errors.New("guidance is empty")
	}
	return nil
}

// refineUnit is one assigned cell to refine.
type refineUnit struct {
	key   string
	cell  table.CellKey
	value string
	tags  []strategy.Tag
	order int
}

// refine produces fact guidance for every assigned cell, fanned out through
// the gate.
func (j *jobRun) refine(ctx context.Context) error {
	if set, ok := stagecache.Load[document.FactGuidanceSet](j.cache, stagecache.FactGuidanceKey()); ok {
		j.facts = document.NewFactIndex(set.FactList)
		j.cached = true
		j.logger.Debug("loaded fact guidance from cache", zap.Int("facts", len(set.FactList)))
		return nil
	}

	units := j.refineUnits()
	results := make([]*document.FactGuidance, len(units))
	errs := make([]error, len(units))

	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func(i int, u refineUnit) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic refining %s: %v", u.key, r)
				}
			}()
			f, err := j.refineCell(ctx, u)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = &f
		}(i, u)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	var facts []document.FactGuidance
	for i, u := range units {
		if errs[i] == nil {
			facts = append(facts, *results[i])
			continue
		}
		if j.p.cfg.OnUnitFailure == FailJob {
			return fmt.Errorf("refining cell %s: %w", u.key, errs[i])
		}
		j.logger.Warn("dropping cell after refine failure", zap.String("cell", u.key), zap.Error(errs[i]))
		j.droppedCells = append(j.droppedCells, u.key)
	}
	j.p.metrics.recordDropped(ctx, "cell", len(j.droppedCells))

	set := document.FactGuidanceSet{FactList: facts}
	if set.FactList == nil {
		set.FactList = []document.FactGuidance{}
	}
	if err := j.cache.Store(stagecache.FactGuidanceKey(), set); err != nil {
		return err
	}
	j.facts = document.NewFactIndex(set.FactList)
	j.logger.Debug("generated fact guidance", zap.Int("facts", len(facts)))
	return nil
}

// refineUnits resolves assignment keys to cells, in table order. Keys that do
// not name an eligible cell are skipped.
func (j *jobRun) refineUnits() []refineUnit {
	order := map[string]int{}
	for i, c := range j.table.EligibleCells() {
		order[c.String()] = i
	}

	var units []refineUnit
	for _, key := range j.assignment.Keys() {
		cell, err := j.table.ResolveCellKey(key)
		if err != nil {
			j.logger.Warn("skipping malformed cell key", zap.String("cell", key), zap.Error(err))
			continue
		}
		pos, ok := order[cell.String()]
		if !ok {
			j.logger.Warn("skipping assignment for ineligible cell", zap.String("cell", key))
			continue
		}
		value, _ := j.table.Value(cell.PK, cell.Attribute)
		units = append(units, refineUnit{
			key:   key,
			cell:  cell,
			value: value,
			tags:  j.assignment.Tags(key),
			order: pos,
		})
	}
	sort.SliceStable(units, func(a, b int) bool { return units[a].order < units[b].order })
	return units
}

func (j *jobRun) refineCell(ctx context.Context, u refineUnit) (document.FactGuidance, error) {
	if f, ok := stagecache.Load[document.FactGuidance](j.cache, stagecache.CellFactKey(u.key)); ok {
		return f, nil
	}

	guidance, err := j.cellGuidance(ctx, u)
	if err != nil {
		return document.FactGuidance{}, fmt.Errorf("cell guidance: %w", err)
	}

	f, err := j.factGuidance(ctx, u, guidance)
	if err != nil {
		return document.FactGuidance{}, fmt.Errorf("fact guidance: %w", err)
	}
	if err := j.cache.Store(stagecache.CellFactKey(u.key), f); err != nil {
		return document.FactGuidance{}, err
	}
	return f, nil
}

func (j *jobRun) cellGuidance(ctx context.Context, u refineUnit) (string, error) {
	key := stagecache.CellGuidanceKey(u.key)
	if rec, ok := stagecache.Load[cellGuidanceRecord](j.cache, key); ok {
		return rec.Guidance, nil
	}

	desc := j.table.DescribeKey(u.cell.PK)
	if len(u.tags) == 0 {
		g := fmt.Sprintf("Naturally weave into the narrative that the '%s' for %s is '%s'. "+
			"Avoid merely listing the fact; it should be integrated smoothly into a descriptive sentence or analytical point.",
			u.cell.Attribute, desc, u.value)
		if err := j.cache.Store(key, cellGuidanceRecord{Guidance: g}); err != nil {
			return "", err
		}
		return g, nil
	}

	tagsJSON, _ := json.Marshal(strategy.Strings(u.tags))
	data := prompt.CellData{
		Table:       j.markdown,
		Key:         desc,
		Attribute:   u.cell.Attribute,
		Value:       u.value,
		Tags:        string(tagsJSON),
		Definitions: strings.Join(strategy.DetailedDefinitions(u.tags), "\n\n"),
	}
	user, err := prompt.Render(prompt.TmplCellGuidance, data)
	if err != nil {
		return "", err
	}

	checkGen := j.p.generate(RoleCellVerifier, true)
	g, err := retry.Run(ctx, retry.Op[string]{
		Name:         "cell_guidance",
		Conversation: prompt.New(prompt.SystemCellGuidance, user),
		Generate:     j.p.generate(RoleRefiner, true),
		Parse: func(raw string) (string, error) {
			r, err := guidanceDecoder.Decode(raw)
			return r.Guidance, err
		},
		Validate: func(ctx context.Context, guidance string) (retry.Verdict, error) {
			check := data
			check.Guidance = guidance
			shorts := make([]string, len(u.tags))
			for i, t := range u.tags {
				shorts[i] = t.Short()
			}
			check.Definitions = strings.Join(shorts, "\n\n")
			req, err := prompt.Render(prompt.TmplCellGuidanceCheck, check)
			if err != nil {
				return retry.Verdict{}, err
			}
			raw, err := checkGen(ctx, prompt.New(prompt.SystemCellGuidanceCheck, req))
			if err != nil {
				return retry.Verdict{}, err
			}
			v, err := verificationDecoder.Decode(raw)
			if err != nil {
				return retry.Verdict{}, fmt.Errorf("decoding guidance check: %w", err)
			}
			if v.OK {
				return retry.Accept(), nil
			}
			return retry.Reject(v.Describe()), nil
		},
		Feedback: func(defect string) string {
			return "The guidance failed verification.\n\n" + defect + "\n\nPlease revise based on the suggestions above."
		},
		MaxAttempts: j.p.cfg.RefineAttempts,
		Logger:      j.logger.With(zap.String("cell", u.key)),
		OnAttempt:   j.p.observeAttempts(ctx, "cell_guidance"),
	})
	if err != nil {
		return "", err
	}
	if err := j.cache.Store(key, cellGuidanceRecord{Guidance: g}); err != nil {
		return "", err
	}
	return g, nil
}

func (j *jobRun) factGuidance(ctx context.Context, u refineUnit, guidance string) (document.FactGuidance, error) {
	base := document.FactGuidance{
		PrimaryKey:      u.cell.PK,
		Attribute:       u.cell.Attribute,
		Fact:            fmt.Sprintf("The %s for %s is %s", u.cell.Attribute, j.table.DescribeKey(u.cell.PK), u.value),
		WritingGuidance: guidance,
	}
	if !strategy.NeedsSplit(u.tags) {
		return base, nil
	}

	data := prompt.FactData{
		Key:       u.cell.PK,
		Attribute: u.cell.Attribute,
		Value:     u.value,
		Guidance:  guidance,
		Fact:      base.Fact,
	}
	user, err := prompt.Render(prompt.TmplFactSplit, data)
	if err != nil {
		return document.FactGuidance{}, err
	}

	checkGen := j.p.generate(RoleFactVerifier, true)
	return retry.Run(ctx, retry.Op[document.FactGuidance]{
		Name:         "fact_guidance",
		Conversation: prompt.New(prompt.SystemFactSplit, user),
		Generate:     j.p.generate(RoleRefiner, true),
		Parse: func(raw string) (document.FactGuidance, error) {
			r, err := splitDecoder.Decode(raw)
			if err != nil {
				return document.FactGuidance{}, err
			}
			f := base
			if r.IsSplit {
				f.WritingGuidance = ""
				f.SubFacts = r.SubFacts
			}
			return f, nil
		},
		Validate: func(ctx context.Context, f document.FactGuidance) (retry.Verdict, error) {
			if !f.Split() {
				return retry.Accept(), nil
			}
			sub, _ := json.Marshal(f.SubFacts)
			check := data
			check.SubFacts = string(sub)
			req, err := prompt.Render(prompt.TmplFactSplitCheck, check)
			if err != nil {
				return retry.Verdict{}, err
			}
			raw, err := checkGen(ctx, prompt.New(prompt.SystemFactSplitCheck, req))
			if err != nil {
				return retry.Reject("Verification exception: " + err.Error()), nil
			}
			v, err := verificationDecoder.Decode(raw)
			if err != nil {
				return retry.Reject("Verification exception: " + err.Error()), nil
			}
			if v.OK {
				return retry.Accept(), nil
			}
			return retry.Reject(v.Describe()), nil
		},
		Feedback: func(defect string) string {
			return "The fact guidance failed verification.\n\n" + defect + "\n\nPlease revise based on the suggestions above."
		},
		MaxAttempts: j.p.cfg.RefineAttempts,
		Logger:      j.logger.With(zap.String("cell", u.key)),
		OnAttempt:   j.p.observeAttempts(ctx, "fact_guidance"),
	})
}
