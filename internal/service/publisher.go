package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ippclub/dora-apt/internal/model"
	"github.com/ippclub/dora-apt/internal/store"
	"go.uber.org/zap"
)

// ObjectWriter is the part of the object store the publisher writes to.
type ObjectWriter interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (*model.Object, error)
}

// Publisher stores build artifacts under {branch}/{filename} and notifies
// listeners so compiled indexes can be dropped.
type Publisher struct {
	store     ObjectWriter
	inbox     string
	logger    *zap.Logger
	mu        sync.Mutex
	onPublish func(branch string)
}

// NewPublisher creates a new Publisher. inbox may be empty to disable imports.
func NewPublisher(store ObjectWriter, inbox string, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:  store,
		inbox:  inbox,
		logger: logger,
	}
}

// SetOnPublishCallback sets the function called after an artifact is stored.
func (p *Publisher) SetOnPublishCallback(fn func(branch string)) {
	p.onPublish = fn
}

// Publish stores the content of r as {branch}/{filename}.
func (p *Publisher) Publish(ctx context.Context, branch, filename string, r io.Reader) (*model.Object, error) {
	if err := validateSegment(branch); err != nil {
		return nil, fmt.Errorf("invalid branch: %w", err)
	}
	if err := validateSegment(filename); err != nil {
		return nil, fmt.Errorf("invalid filename: %w", err)
	}

	key := branch + "/" + filename
	obj, err := p.store.Put(ctx, key, r, ContentTypeOf(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to publish %s: %w", key, err)
	}

	p.logger.Info("artifact published",
		zap.String("branch", branch),
		zap.String("key", key),
		zap.Int64("size", obj.Size),
	)

	if p.onPublish != nil {
		p.onPublish(branch)
	}
	return obj, nil
}

// ImportInbox publishes every file found at {inbox}/{branch}/{filename} and
// removes it once stored. Hidden files and in-progress uploads (".part")
// are left alone.
func (p *Publisher) ImportInbox(ctx context.Context) error {
	if p.inbox == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	branches, err := os.ReadDir(p.inbox)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read inbox: %w", err)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(branches))

	for _, entry := range branches {
		if !entry.IsDir() || skipInboxEntry(entry.Name()) {
			continue
		}
		wg.Add(1)
		go func(branch string) {
			defer wg.Done()
			if err := p.importBranch(ctx, branch); err != nil {
				errChan <- fmt.Errorf("failed to import branch %s: %w", branch, err)
			}
		}(entry.Name())
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Publisher) importBranch(ctx context.Context, branch string) error {
	dir := filepath.Join(p.inbox, branch)
	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var errs []error
	for _, f := range files {
		if f.IsDir() || skipInboxEntry(f.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.importFile(ctx, branch, filepath.Join(dir, f.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) importFile(ctx context.Context, branch, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	_, err = p.Publish(ctx, branch, filepath.Base(filePath), f)
	f.Close()
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil {
		p.logger.Warn("failed to remove imported file", zap.String("path", filePath), zap.Error(err))
	}
	return nil
}

func skipInboxEntry(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part")
}

func validateSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\") {
		return fmt.Errorf("%w: %q", store.ErrInvalidKey, s)
	}
	return nil
}

// ContentTypeOf returns the content type stored for an artifact filename.
func ContentTypeOf(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".deb":
		return "application/vnd.debian.binary-package"
	case ".zip":
		return "application/zip"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
