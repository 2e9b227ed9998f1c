package apt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ippclub/dora-apt/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrNotFound means the requested document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable means the object store could not be read.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// UnknownVersion is reported for artifacts whose key carries no X.Y.Z version.
const UnknownVersion = "unknown"

var versionPattern = regexp.MustCompile(`_([0-9]+\.[0-9]+\.[0-9]+)_`)

// ParseVersion extracts the X.Y.Z version embedded as `_X.Y.Z_` in an
// artifact key, or UnknownVersion.
func ParseVersion(key string) string {
	m := versionPattern.FindStringSubmatch(key)
	if m == nil {
		return UnknownVersion
	}
	return m[1]
}

// ObjectLister is the part of the object store the lister reads.
type ObjectLister interface {
	List(ctx context.Context, prefix string) ([]model.Object, error)
	Head(ctx context.Context, key string) (*model.Object, error)
}

// PackageConfig holds the fixed stanza fields of the distributed package.
type PackageConfig struct {
	Name         string
	Architecture string
	Maintainer   string
	Description  string
	Depends      string
	Section      string
	Priority     string
	Suffix       string // artifact key suffix, e.g. ".deb"
}

// Lister turns the artifacts stored under a branch into package records.
type Lister struct {
	store       ObjectLister
	pkg         PackageConfig
	concurrency int
	logger      *zap.Logger
}

// NewLister creates a Lister. concurrency bounds parallel metadata fetches.
func NewLister(store ObjectLister, pkg PackageConfig, concurrency int, logger *zap.Logger) *Lister {
	if pkg.Suffix == "" {
		pkg.Suffix = ".deb"
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Lister{
		store:       store,
		pkg:         pkg,
		concurrency: concurrency,
		logger:      logger,
	}
}

// ListPackages returns one record per package artifact stored under
// "{branch}/", in the store's listing order. Artifacts whose metadata cannot
// be fetched are skipped. A failed listing returns ErrStorageUnavailable.
func (l *Lister) ListPackages(ctx context.Context, branch string) ([]model.PackageRecord, error) {
	objects, err := l.store.List(ctx, branch+"/")
	if err != nil {
		return nil, fmt.Errorf("%w: list %s/: %v", ErrStorageUnavailable, branch, err)
	}

	var keys []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, l.pkg.Suffix) {
			keys = append(keys, obj.Key)
		}
	}
	l.logger.Debug("listing packages",
		zap.String("branch", branch),
		zap.Int("objects", len(objects)),
		zap.Int("artifacts", len(keys)),
	)

	// Slots keep listing order regardless of completion order.
	slots := make([]*model.PackageRecord, len(keys))
	sem := make(chan struct{}, l.concurrency)
	var wg sync.WaitGroup

	for i, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, key string) {
			defer wg.Done()
			defer func() { <-sem }()

			obj, err := l.store.Head(ctx, key)
			if err != nil || obj == nil {
				l.logger.Warn("skipping artifact without metadata",
					zap.String("key", key),
					zap.Error(err),
				)
				return
			}
			rec := l.record(*obj)
			slots[i] = &rec
		}(i, key)
	}
	wg.Wait()

	records := make([]model.PackageRecord, 0, len(keys))
	for _, rec := range slots {
		if rec != nil {
			records = append(records, *rec)
		}
	}
	return records, nil
}

func (l *Lister) record(obj model.Object) model.PackageRecord {
	return model.PackageRecord{
		Name:         l.pkg.Name,
		Version:      ParseVersion(obj.Key),
		Architecture: l.pkg.Architecture,
		Maintainer:   l.pkg.Maintainer,
		Description:  l.pkg.Description,
		Size:         obj.Size,
		Digest:       obj.Digest(),
		Filename:     obj.Key,
		Depends:      l.pkg.Depends,
		Section:      l.pkg.Section,
		Priority:     l.pkg.Priority,
	}
}
