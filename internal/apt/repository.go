package apt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Index is the compiled metadata of one branch.
type Index struct {
	Branch     string
	Packages   string
	PackagesGz []byte
	Release    string
	Count      int
}

// RevisionSource reports a counter that changes on every write to the
// object store, including writes made by other processes.
type RevisionSource interface {
	Revision(ctx context.Context) (int64, error)
}

type cachedIndex struct {
	idx      *Index
	revision int64
}

// Repository serves the APT documents of every branch. Packages and Release
// are derived from the same compilation, so the digests in Release always
// describe the Packages served alongside it.
type Repository struct {
	lister   *Lister
	compiler *Compiler
	signer   Signer
	logger   *zap.Logger

	cacheEnabled bool
	revisions    RevisionSource
	mu           sync.RWMutex
	cache        map[string]cachedIndex
	generation   map[string]uint64 // bumped by Invalidate
}

// NewRepository creates a Repository. With cache enabled, compiled indexes
// are kept per branch until Invalidate is called for that branch or the
// revision source reports a change.
func NewRepository(lister *Lister, compiler *Compiler, signer Signer, cache bool, logger *zap.Logger) *Repository {
	return &Repository{
		lister:       lister,
		compiler:     compiler,
		signer:       signer,
		logger:       logger,
		cacheEnabled: cache,
		cache:        make(map[string]cachedIndex),
		generation:   make(map[string]uint64),
	}
}

// Signer returns the signer used for InRelease and Release.gpg.
func (r *Repository) Signer() Signer {
	return r.signer
}

// SetRevisionSource makes cached indexes expire whenever src reports a new
// revision. Without one, only Invalidate expires them.
func (r *Repository) SetRevisionSource(src RevisionSource) {
	r.revisions = src
}

// Index compiles (or returns the cached) index of branch.
func (r *Repository) Index(ctx context.Context, branch string) (*Index, error) {
	if !r.cacheEnabled {
		return r.compile(ctx, branch)
	}

	// Read before compiling: a write that lands mid-compile leaves the
	// entry tagged with the older revision, so the next read recompiles.
	rev, err := r.revision(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	entry, ok := r.cache[branch]
	gen := r.generation[branch]
	r.mu.RUnlock()
	if ok && entry.revision == rev {
		return entry.idx, nil
	}

	idx, err := r.compile(ctx, branch)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// A publish during compilation makes this index stale.
	if r.generation[branch] == gen {
		r.cache[branch] = cachedIndex{idx: idx, revision: rev}
	}
	r.mu.Unlock()
	return idx, nil
}

func (r *Repository) revision(ctx context.Context) (int64, error) {
	if r.revisions == nil {
		return 0, nil
	}
	rev, err := r.revisions.Revision(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return rev, nil
}

func (r *Repository) compile(ctx context.Context, branch string) (*Index, error) {
	records, err := r.lister.ListPackages(ctx, branch)
	if err != nil {
		return nil, err
	}

	text := RenderPackages(records)
	gz, err := Compress(text)
	if err != nil {
		return nil, fmt.Errorf("failed to compress Packages for %s: %w", branch, err)
	}

	r.logger.Info("compiled index",
		zap.String("branch", branch),
		zap.Int("packages", len(records)),
		zap.Int("bytes", len(text)),
	)

	return &Index{
		Branch:     branch,
		Packages:   text,
		PackagesGz: gz,
		Release:    r.compiler.RenderRelease(branch, text, gz),
		Count:      len(records),
	}, nil
}

// Invalidate drops the cached index of branch.
func (r *Repository) Invalidate(branch string) {
	if !r.cacheEnabled {
		return
	}
	r.mu.Lock()
	delete(r.cache, branch)
	r.generation[branch]++
	r.mu.Unlock()
	r.logger.Debug("index invalidated", zap.String("branch", branch))
}

// Packages returns the Packages text of branch.
func (r *Repository) Packages(ctx context.Context, branch string) (string, error) {
	idx, err := r.Index(ctx, branch)
	if err != nil {
		return "", err
	}
	return idx.Packages, nil
}

// PackagesGz returns the gzipped Packages of branch.
func (r *Repository) PackagesGz(ctx context.Context, branch string) ([]byte, error) {
	idx, err := r.Index(ctx, branch)
	if err != nil {
		return nil, err
	}
	return idx.PackagesGz, nil
}

// Release returns the unsigned Release manifest of branch. Branches without
// any package report ErrNotFound.
func (r *Repository) Release(ctx context.Context, branch string) ([]byte, error) {
	idx, err := r.Index(ctx, branch)
	if err != nil {
		return nil, err
	}
	if idx.Count == 0 {
		return nil, fmt.Errorf("%w: dists/%s/Release", ErrNotFound, branch)
	}
	return []byte(idx.Release), nil
}

// InRelease returns the clearsigned Release manifest of branch.
func (r *Repository) InRelease(ctx context.Context, branch string) ([]byte, error) {
	release, err := r.Release(ctx, branch)
	if err != nil {
		return nil, notFoundAs(err, branch, "InRelease")
	}
	return r.signer.ClearSign(release)
}

// ReleaseSignature returns the detached signature of the Release manifest.
func (r *Repository) ReleaseSignature(ctx context.Context, branch string) ([]byte, error) {
	if !r.signer.Cryptographic() {
		return nil, fmt.Errorf("%w: dists/%s/Release.gpg", ErrNotFound, branch)
	}
	release, err := r.Release(ctx, branch)
	if err != nil {
		return nil, notFoundAs(err, branch, "Release.gpg")
	}
	return r.signer.DetachSign(release)
}

func notFoundAs(err error, branch, name string) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: dists/%s/%s", ErrNotFound, branch, name)
	}
	return err
}
