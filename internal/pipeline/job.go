package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/document"
	"github.com/fyrsmithlabs/tabledoc/internal/section"
	"github.com/fyrsmithlabs/tabledoc/internal/stagecache"
	"github.com/fyrsmithlabs/tabledoc/internal/table"
)

// jobRun carries the state of one job across stages.
type jobRun struct {
	p      *Pipeline
	cache  *stagecache.JobCache
	logger *zap.Logger
	job    Job

	table      *table.Table
	markdown   string
	assignment document.Assignment
	facts      *document.FactIndex
	plan       document.Plan
	sections   []document.Section
	report     section.Report

	droppedCells    []string
	droppedSections []int
	cached          bool
}

// stage runs fn inside a span, records its duration, and wraps failures.
func (j *jobRun) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	j.p.enter(j.job.ID, name)
	ctx, span := j.p.tracer.Start(ctx, "stage."+name, trace.WithAttributes(
		attribute.String("job.id", j.job.ID),
		attribute.String("stage", name),
	))
	defer span.End()

	start := time.Now()
	j.cached = false
	err := fn(ctx)
	j.p.metrics.recordStage(ctx, name, start, j.cached)
	span.SetAttributes(attribute.Bool("cached", j.cached))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		j.logger.Error("stage failed", zap.String("job.stage", name), zap.Error(err))
		return stageErr(name, err)
	}
	j.logger.Debug("stage finished",
		zap.String("job.stage", name),
		zap.Bool("cached", j.cached),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (j *jobRun) load() error {
	tbl, err := table.Load(j.job.Path)
	if err != nil {
		return err
	}
	if err := j.cache.CopyInput(j.job.Path); err != nil {
		return err
	}
	j.table = tbl
	j.markdown = tbl.Markdown()
	return nil
}

func (j *jobRun) commit(ctx context.Context) error {
	doc := document.Document{Theme: j.plan.Theme, Genre: j.plan.Genre, Sections: j.sections}
	text, err := document.Assemble(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIncomplete, err)
	}
	if err := j.cache.CommitFinal(text); err != nil {
		return stageErr(StageCommit, err)
	}

	if j.p.cfg.HTML {
		html, err := document.RenderHTML(text)
		if err == nil {
			err = j.cache.WriteExtra(stagecache.HTMLFile, []byte(html))
		}
		if err != nil {
			j.logger.Warn("html export failed", zap.Error(err))
		}
	}
	return nil
}
