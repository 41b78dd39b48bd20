// Package discovery implements the File Discovery Agent (C7): walks
// the target directory, filters by extension/path/size, skips
// unchanged files from a prior run, and enqueues file-analysis jobs
// prioritized so small files process first.
//
// Content hashing uses blake2b, following the "content-hash backfill"
// pattern in theRebelliousNerd-codenerd's local_core.go (grounded
// source for the hash-then-skip idea), substituting blake2b for the
// teacher's own hash choice per the domain-stack wiring plan.
package discovery

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/codegraph-dev/orchestrator/internal/domain"
	"github.com/codegraph-dev/orchestrator/internal/queue"
	"github.com/codegraph-dev/orchestrator/internal/store"
)

// Config controls what discovery accepts.
type Config struct {
	RunID           string
	TargetDir       string
	ExtensionAllow  map[string]struct{} // e.g. {".go": {}, ".js": {}}
	PathDeny        []string            // substrings; matches are skipped (".git", "node_modules", "vendor")
	MaxFileSize     int64
}

// DefaultConfig returns a sensible source-code extension allowlist
// and the standard metadata-directory denylist.
func DefaultConfig(runID, targetDir string) Config {
	allow := map[string]struct{}{}
	for _, ext := range []string{".go", ".js", ".ts", ".jsx", ".tsx", ".py", ".java", ".rb", ".rs", ".c", ".h", ".cpp", ".hpp"} {
		allow[ext] = struct{}{}
	}
	return Config{
		RunID:          runID,
		TargetDir:      targetDir,
		ExtensionAllow: allow,
		PathDeny:       []string{".git", "node_modules", "vendor", ".svn", "dist", "build"},
		MaxFileSize:    2 << 20, // 2 MiB
	}
}

// Stats summarizes a discovery pass.
type Stats struct {
	TotalFiles   int
	Enqueued     int
	SkippedDeny  int
	SkippedSize  int
	SkippedUnchanged int
	Errors       int
}

// Agent walks a target directory and feeds the file-analysis queue.
type Agent struct {
	cfg   Config
	store *store.Store
	queue *queue.Queue
}

func New(cfg Config, st *store.Store, fileAnalysisQueue *queue.Queue) *Agent {
	return &Agent{cfg: cfg, store: st, queue: fileAnalysisQueue}
}

// Run walks cfg.TargetDir and returns discovery statistics.
func (a *Agent) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	err := filepath.WalkDir(a.cfg.TargetDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			stats.Errors++
			return nil // best-effort walk; do not abort on a single stat failure
		}
		if d.IsDir() {
			for _, deny := range a.cfg.PathDeny {
				if strings.Contains(path, deny) {
					return filepath.SkipDir
				}
			}
			return nil
		}

		stats.TotalFiles++

		for _, deny := range a.cfg.PathDeny {
			if strings.Contains(path, deny) {
				stats.SkippedDeny++
				return nil
			}
		}
		ext := filepath.Ext(path)
		if _, ok := a.cfg.ExtensionAllow[ext]; !ok {
			stats.SkippedDeny++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			stats.Errors++
			return nil
		}
		if info.Size() > a.cfg.MaxFileSize {
			stats.SkippedSize++
			return nil
		}

		hash, err := hashFile(path)
		if err != nil {
			stats.Errors++
			return nil
		}

		unchanged, err := a.recordFile(ctx, path, hash, info.Size())
		if err != nil {
			stats.Errors++
			return nil
		}
		if unchanged {
			stats.SkippedUnchanged++
			return nil
		}

		priority := priorityForSize(info.Size())
		if _, err := a.queue.Enqueue(ctx, "file-analysis", map[string]any{
			"runId": a.cfg.RunID,
			"path":  path,
			"hash":  hash,
		}, queue.EnqueueOpts{Priority: priority}); err != nil {
			stats.Errors++
			return nil
		}
		stats.Enqueued++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("discovery: walk %s: %w", a.cfg.TargetDir, err)
	}
	return stats, nil
}

func (a *Agent) recordFile(ctx context.Context, path, hash string, size int64) (unchanged bool, err error) {
	err = a.store.InTransaction(ctx, func(tx *sql.Tx) error {
		u, err := store.UpsertFile(tx, domain.File{
			RunID: a.cfg.RunID, Path: path, ContentHash: hash,
			Status: domain.FileStatusPending, SizeBytes: size,
		})
		unchanged = u
		return err
	})
	return unchanged, err
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// priorityForSize implements "priority ∝ 1/file size" (spec §4.7) by
// bucketing size into an integer priority band, smaller files first.
func priorityForSize(size int64) int {
	switch {
	case size < 2<<10:
		return 0
	case size < 16<<10:
		return 1
	case size < 64<<10:
		return 2
	case size < 256<<10:
		return 3
	default:
		return 4
	}
}
