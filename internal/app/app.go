// Package app wires the object store, repository and services from a Config.
// The server and the operator CLI share it.
package app

import (
	"fmt"
	"os"
	"time"

	"github.com/ippclub/dora-apt/internal/apt"
	"github.com/ippclub/dora-apt/internal/config"
	"github.com/ippclub/dora-apt/internal/service"
	"github.com/ippclub/dora-apt/internal/store"
	"go.uber.org/zap"
)

type App struct {
	Store     *store.BlobStore
	Repo      *apt.Repository
	Catalog   *service.Catalog
	Publisher *service.Publisher
}

// New opens the store under cfg.Storage.Path and builds the services on it.
// now may be nil.
func New(cfg *config.Config, logger *zap.Logger, now func() time.Time) (*App, error) {
	blobs, err := store.NewBlobStore(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	signer, err := NewSigner(cfg.Signing, logger)
	if err != nil {
		blobs.Close()
		return nil, err
	}

	lister := apt.NewLister(blobs, apt.PackageConfig{
		Name:         cfg.APT.PackageName,
		Architecture: cfg.APT.Architecture,
		Maintainer:   cfg.APT.Maintainer,
		Description:  cfg.APT.Description,
		Depends:      cfg.APT.Depends,
		Section:      cfg.APT.Section,
		Priority:     cfg.APT.Priority,
		Suffix:       cfg.APT.Suffix,
	}, cfg.APT.HeadConcurrency, logger)

	compiler := apt.NewCompiler(apt.ReleaseConfig{
		Origin:       cfg.APT.Origin,
		Label:        cfg.APT.Label,
		Suite:        cfg.APT.Suite,
		Architecture: cfg.APT.Architecture,
		Component:    cfg.APT.Component,
		Description:  cfg.APT.Description,
	}, now)

	repo := apt.NewRepository(lister, compiler, signer, cfg.APT.Cache, logger)
	repo.SetRevisionSource(blobs)

	catalog, err := service.NewCatalog(blobs, cfg.Catalog.ImagePattern, cfg.APT.Suffix, cfg.Catalog.PrimaryBranch, cfg.Download.BaseURL)
	if err != nil {
		blobs.Close()
		return nil, err
	}

	publisher := service.NewPublisher(blobs, cfg.Import.Inbox, logger)
	publisher.SetOnPublishCallback(repo.Invalidate)

	return &App{
		Store:     blobs,
		Repo:      repo,
		Catalog:   catalog,
		Publisher: publisher,
	}, nil
}

// Close closes the object store.
func (a *App) Close() error {
	return a.Store.Close()
}

// NewSigner builds the signer selected by cfg.Mode.
func NewSigner(cfg config.Signing, logger *zap.Logger) (apt.Signer, error) {
	switch cfg.Mode {
	case "pgp":
		signer, err := apt.LoadPGPSigner(cfg.PrivateKeyFile, []byte(os.Getenv(cfg.PassphraseEnv)))
		if err != nil {
			return nil, err
		}
		logger.Info("signing with pgp key", zap.String("key_file", cfg.PrivateKeyFile))
		return signer, nil
	case "null", "":
		pub, err := apt.ReadPublicKey(cfg.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		logger.Warn("InRelease is served with a placeholder signature; apt clients must trust the repository explicitly")
		return apt.NewNullSigner(pub), nil
	default:
		return nil, fmt.Errorf("unknown signing mode %q", cfg.Mode)
	}
}
