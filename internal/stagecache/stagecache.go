// Package stagecache persists per-job stage artifacts so every pipeline stage
// is idempotent and a job resumes from its last completed unit of work.
//
// Layout under the output root:
//
//	<root>/<job>/
//	├── raw_table.json
//	├── strategy_assignment.json
//	├── fact_guidance.json
//	├── document_plan.json
//	├── final_document.md
//	└── cache/                    ← staging, removed after commit
//	    ├── cell_guidance/<key>.json
//	    ├── fact_guidance/<key>.json
//	    └── section_<id>.json
package stagecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/sanitize"
)

// Artifact names.
const (
	StageStrategy     = "strategy_assignment"
	StageFactGuidance = "fact_guidance"
	StagePlan         = "document_plan"
	StageCellGuidance = "cell_guidance"
	StageSection      = "section"

	InputFile  = "raw_table.json"
	FinalFile  = "final_document.md"
	HTMLFile   = "final_document.html"
	StagingDir = "cache"
)

// ErrEmptyKey is returned when a staging key has no sub-key.
var ErrEmptyKey = errors.New("stage key requires a sub-key")

// Key addresses one artifact. Top-level stage results have an empty SubKey;
// per-unit artifacts live in the staging directory.
type Key struct {
	Stage  string
	SubKey string
}

// StrategyKey addresses the strategy assignment.
func StrategyKey() Key { return Key{Stage: StageStrategy} }

// FactGuidanceKey addresses the aggregated fact guidance.
func FactGuidanceKey() Key { return Key{Stage: StageFactGuidance} }

// PlanKey addresses the document plan.
func PlanKey() Key { return Key{Stage: StagePlan} }

// CellGuidanceKey addresses one cell's guidance.
func CellGuidanceKey(cell string) Key { return Key{Stage: StageCellGuidance, SubKey: cell} }

// CellFactKey addresses one cell's fact guidance.
func CellFactKey(cell string) Key { return Key{Stage: StageFactGuidance, SubKey: cell} }

// SectionKey addresses one written section.
func SectionKey(id int) Key { return Key{Stage: StageSection, SubKey: strconv.Itoa(id)} }

func (k Key) String() string {
	if k.SubKey == "" {
		return k.Stage
	}
	return k.Stage + "/" + k.SubKey
}

// Manager hands out per-job caches under one output root.
type Manager struct {
	root   string
	logger *zap.Logger
}

// New returns a manager rooted at root.
func New(root string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{root: root, logger: logger}
}

// Root returns the output root.
func (m *Manager) Root() string { return m.root }

// Job returns the cache for one job. The job id must be a plain directory name.
func (m *Manager) Job(jobID string) (*JobCache, error) {
	if err := sanitize.JobID(jobID); err != nil {
		return nil, err
	}
	return &JobCache{
		id:     jobID,
		dir:    filepath.Join(m.root, jobID),
		logger: m.logger.With(zap.String("job.id", jobID)),
	}, nil
}

// JobCache reads and writes the artifacts of one job.
type JobCache struct {
	id     string
	dir    string
	logger *zap.Logger
}

// ID returns the job id.
func (c *JobCache) ID() string { return c.id }

// Dir returns the job's output directory.
func (c *JobCache) Dir() string { return c.dir }

// StagingDir returns the staging directory.
func (c *JobCache) StagingDir() string { return filepath.Join(c.dir, StagingDir) }

// Path returns the file backing key.
func (c *JobCache) Path(key Key) (string, error) {
	switch {
	case key.Stage == StageSection:
		if key.SubKey == "" {
			return "", fmt.Errorf("%w: %s", ErrEmptyKey, key.Stage)
		}
		return filepath.Join(c.StagingDir(), "section_"+sanitize.FileKey(key.SubKey)+".json"), nil
	case key.SubKey != "":
		return filepath.Join(c.StagingDir(), key.Stage, sanitize.FileKey(key.SubKey)+".json"), nil
	case key.Stage == StageCellGuidance:
		return "", fmt.Errorf("%w: %s", ErrEmptyKey, key.Stage)
	default:
		return filepath.Join(c.dir, key.Stage+".json"), nil
	}
}

type checker interface {
	Check() error
}

// Load returns the artifact stored under key. A missing, unreadable,
// undecodable, or invalid artifact is a miss; only the latter three are logged.
func Load[T any](c *JobCache, key Key) (T, bool) {
	var out T
	path, err := c.Path(key)
	if err != nil {
		c.logger.Warn("invalid cache key", zap.String("key", key.String()), zap.Error(err))
		return out, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cache read failed, regenerating",
				zap.String("key", key.String()), zap.Error(err))
		}
		return out, false
	}

	if err := json.Unmarshal(data, &out); err != nil {
		c.logger.Warn("cache entry undecodable, regenerating",
			zap.String("key", key.String()), zap.Error(err))
		var zero T
		return zero, false
	}
	if ch, ok := any(&out).(checker); ok {
		if err := ch.Check(); err != nil {
			c.logger.Warn("cache entry invalid, regenerating",
				zap.String("key", key.String()), zap.Error(err))
			var zero T
			return zero, false
		}
	}
	return out, true
}

// Store writes v under key atomically.
func (c *JobCache) Store(key Key, v any) error {
	path, err := c.Path(key)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

// Exists reports whether an artifact file is present, valid or not.
func (c *JobCache) Exists(key Key) bool {
	path, err := c.Path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// CopyInput copies the source table into the job directory unless a copy is
// already there.
func (c *JobCache) CopyInput(src string) error {
	dst := filepath.Join(c.dir, InputFile)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if err := writeAtomic(dst, data); err != nil {
		return fmt.Errorf("copying input: %w", err)
	}
	return nil
}

// FinalExists reports whether the job has a committed final document.
func (c *JobCache) FinalExists() bool {
	_, err := os.Stat(filepath.Join(c.dir, FinalFile))
	return err == nil
}

// FinalPath returns the final document path.
func (c *JobCache) FinalPath() string { return filepath.Join(c.dir, FinalFile) }

// CommitFinal writes the final document and then removes the staging
// directory. A cleanup failure is logged and does not undo the commit.
func (c *JobCache) CommitFinal(text string) error {
	if err := writeAtomic(c.FinalPath(), []byte(text)); err != nil {
		return fmt.Errorf("committing final document: %w", err)
	}
	if err := os.RemoveAll(c.StagingDir()); err != nil {
		c.logger.Warn("failed to remove staging directory", zap.Error(err))
	}
	return nil
}

// WriteExtra writes an auxiliary output file next to the final document.
func (c *JobCache) WriteExtra(name string, data []byte) error {
	if filepath.Base(name) != name {
		return fmt.Errorf("invalid output name %q", name)
	}
	return writeAtomic(filepath.Join(c.dir, name), data)
}

// writeAtomic writes data to a uniquely named temp file created with O_EXCL,
// syncs it, and renames it over path.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmpPath := path + ".tmp." + uuid.NewString()[:8]
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
