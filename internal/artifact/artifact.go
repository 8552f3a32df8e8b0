// Package artifact fetches test packages and stages their plan files where
// workers and the coordinator can read them.
package artifact

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/torosent/crankfleet/internal/config"
	"github.com/torosent/crankfleet/internal/fleet"
)

// ResultsFile is where the coordinator writes results, relative to the run
// prefix.
const ResultsFile = "results/result.jtl"

var planExtensions = map[string]bool{".jmx": true, ".csv": true, ".properties": true}

// Store holds staged plan files.
type Store interface {
	Kind() string
	Put(ctx context.Context, key string, body io.Reader) error
	// Location is the canonical address of key.
	Location(key string) string
	// SignedURL returns a time-limited read URL, or "" when the store
	// cannot sign.
	SignedURL(ctx context.Context, key string) (string, error)
}

// Pipeline fetches a run's package and uploads its plan files under a
// per-run prefix.
type Pipeline struct {
	fetcher    *Fetcher
	store      Store
	basePrefix string
	logger     *slog.Logger
}

// NewPipeline creates a Pipeline staging into store under basePrefix.
func NewPipeline(fetcher *Fetcher, store Store, basePrefix string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if basePrefix != "" && !strings.HasSuffix(basePrefix, "/") {
		basePrefix += "/"
	}
	return &Pipeline{fetcher: fetcher, store: store, basePrefix: basePrefix, logger: logger}
}

// Stage uploads the package named by req and returns where it landed. The
// entry plan is req.EntryPlanFile, else the manifest's entry_plan, else the
// only .jmx file in the package.
func (p *Pipeline) Stage(ctx context.Context, req fleet.RunRequest) (fleet.ArtifactRef, error) {
	pkg, err := p.fetcher.Fetch(ctx, req.ArtifactLocation)
	if err != nil {
		return fleet.ArtifactRef{}, err
	}
	files, err := PlanFiles(pkg.Dir)
	if err != nil {
		return fleet.ArtifactRef{}, err
	}
	entry, err := entryPlan(req.EntryPlanFile, pkg.Manifest.EntryPlan, files)
	if err != nil {
		return fleet.ArtifactRef{}, err
	}

	prefix := p.basePrefix + req.RunID + "/"
	for _, rel := range files {
		if err := p.upload(ctx, pkg.Dir, rel, prefix+rel); err != nil {
			return fleet.ArtifactRef{}, err
		}
	}

	entryKey := prefix + entry
	signed, err := p.store.SignedURL(ctx, entryKey)
	if err != nil {
		return fleet.ArtifactRef{}, err
	}
	ref := fleet.ArtifactRef{
		Kind:            p.store.Kind(),
		Prefix:          p.store.Location(prefix),
		EntryPlan:       p.store.Location(entryKey),
		SignedEntryPlan: signed,
		Results:         p.store.Location(prefix + ResultsFile),
	}
	if ref.Kind == config.StoreLocal {
		ref.Prefix = p.store.Location(prefix) + string(filepath.Separator)
	}
	p.logger.Info("staged test plans", "run_id", req.RunID, "files", len(files), "entry_plan", ref.EntryPlan)
	return ref, nil
}

func (p *Pipeline) upload(ctx context.Context, dir, rel, key string) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer f.Close()
	return p.store.Put(ctx, key, f)
}

// PlanFiles lists the .jmx, .csv and .properties files under dir as
// slash-separated relative paths in sorted order.
func PlanFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !planExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list plan files in %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func entryPlan(requested, manifest string, files []string) (string, error) {
	want := requested
	if want == "" {
		want = manifest
	}
	if want != "" {
		want = path.Clean(filepath.ToSlash(want))
		for _, f := range files {
			if f == want {
				return f, nil
			}
		}
		return "", fmt.Errorf("entry plan %q not found in package", want)
	}

	var plans []string
	for _, f := range files {
		if strings.EqualFold(path.Ext(f), ".jmx") {
			plans = append(plans, f)
		}
	}
	switch len(plans) {
	case 1:
		return plans[0], nil
	case 0:
		return "", fmt.Errorf("package contains no .jmx test plan")
	default:
		return "", fmt.Errorf("package contains %d .jmx plans; set entry_plan_file to choose one", len(plans))
	}
}
