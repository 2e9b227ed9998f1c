package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ippclub/dora-apt/internal/apt"
	"github.com/ippclub/dora-apt/internal/config"
	"github.com/ippclub/dora-apt/internal/model"
	"github.com/ippclub/dora-apt/internal/service"
	"github.com/ippclub/dora-apt/internal/store"
	"go.uber.org/zap"
)

// ObjectReader is the part of the object store served for downloads.
type ObjectReader interface {
	Get(ctx context.Context, key string) (*model.Object, io.ReadCloser, error)
}

// API handles HTTP requests
type API struct {
	cfg         *config.Config
	logger      *zap.Logger
	objects     ObjectReader
	repo        *apt.Repository
	catalog     *service.Catalog
	publisher   *service.Publisher
	rateLimiter *RateLimiter
}

// NewAPI creates a new API instance
func NewAPI(cfg *config.Config, logger *zap.Logger, objects ObjectReader, repo *apt.Repository, catalog *service.Catalog, publisher *service.Publisher) *API {
	return &API{
		cfg:         cfg,
		logger:      logger,
		objects:     objects,
		repo:        repo,
		catalog:     catalog,
		publisher:   publisher,
		rateLimiter: NewRateLimiter(float64(cfg.RateLimit.RPS), cfg.RateLimit.Burst),
	}
}

// Close releases the API's background resources
func (a *API) Close() {
	a.rateLimiter.Close()
}

// RegisterRoutes registers the API routes
func (a *API) RegisterRoutes(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)

	// Admin routes (localhost only), matched on the peer address
	r.Route("/admin", func(r chi.Router) {
		r.Use(LocalOnly)
		r.Put("/artifacts/{branch}/{filename}", a.uploadArtifact)
		r.Post("/import", a.triggerImport)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RealIP)
		if a.cfg.Auth.Username != "" {
			r.Use(middleware.BasicAuth(a.cfg.Auth.Realm, map[string]string{
				a.cfg.Auth.Username: a.cfg.Auth.Password,
			}))
		}
		r.Use(a.rateLimiter.RateLimit)

		r.Route("/dists", func(r chi.Router) {
			r.Get("/{branch}/Release", a.getRelease)
			r.Get("/{branch}/InRelease", a.getInRelease)
			r.Get("/{branch}/Release.gpg", a.getReleaseSignature)
			r.Get("/{branch}/{component}/binary-{arch}/Packages", a.getPackages)
			r.Get("/{branch}/{component}/binary-{arch}/Packages.gz", a.getPackagesGz)
			r.NotFound(pathNotFound)
			r.MethodNotAllowed(pathNotFound)
		})

		r.With(SecureDownload).Get("/pool/*", a.download)
		r.With(SecureDownload).Get("/download/*", a.download)

		r.Get("/api/latest/{branch}", a.getLatestVersion)
		r.Get("/api/files", a.listFiles)
		r.Get("/api/release-notes/{branch}/{version}", a.getReleaseNotes)
		r.Get("/pubkey.gpg", a.getPublicKey)
	})
}

// RequestLogger logs one line per request with the service logger
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// download streams a stored object as an attachment
func (a *API) download(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if err := store.ValidateKey(key); err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	obj, body, err := a.objects.Get(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to get object", zap.String("key", key), zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusBadGateway)
		return
	}
	defer body.Close()

	name := path.Base(key)
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if obj.ETag != "" {
		w.Header().Set("ETag", `"`+obj.ETag+`"`)
	}

	if rs, ok := body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, name, obj.UploadedAt, rs)
		return
	}
	if _, err := io.Copy(w, body); err != nil {
		a.logger.Warn("download interrupted", zap.String("key", key), zap.Error(err))
	}
}

// getLatestVersion returns the newest build of a branch
func (a *API) getLatestVersion(w http.ResponseWriter, r *http.Request) {
	branch := chi.URLParam(r, "branch")

	info, err := a.catalog.LatestVersion(r.Context(), branch)
	if err != nil {
		a.logger.Error("failed to get latest version", zap.String("branch", branch), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Storage unavailable"})
		return
	}
	if info == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Branch not found"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// listFiles returns every build grouped by branch and version
func (a *API) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := a.catalog.ListFiles(r.Context())
	if err != nil {
		a.logger.Error("failed to list files", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Storage unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// getReleaseNotes serves the release notes of one build, as markdown or,
// with ?format=html, rendered
func (a *API) getReleaseNotes(w http.ResponseWriter, r *http.Request) {
	key := service.ReleaseNotesKey(chi.URLParam(r, "branch"), chi.URLParam(r, "version"))
	if err := store.ValidateKey(key); err != nil {
		http.Error(w, "Release notes not found", http.StatusNotFound)
		return
	}

	_, body, err := a.objects.Get(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Release notes not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("failed to get release notes", zap.String("key", key), zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusBadGateway)
		return
	}
	defer body.Close()

	source, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusBadGateway)
		return
	}

	if r.URL.Query().Get("format") != "html" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write(source)
		return
	}

	html, err := service.RenderReleaseNotes(source)
	if err != nil {
		a.logger.Error("failed to render release notes", zap.String("key", key), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(html)
}

// uploadArtifact stores the request body as {branch}/{filename}
func (a *API) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	branch := chi.URLParam(r, "branch")
	filename := chi.URLParam(r, "filename")

	obj, err := a.publisher.Publish(r.Context(), branch, filename, r.Body)
	if errors.Is(err, store.ErrInvalidKey) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		a.logger.Error("upload failed", zap.String("branch", branch), zap.String("filename", filename), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, obj)
}

// triggerImport imports the inbox in the background
func (a *API) triggerImport(w http.ResponseWriter, r *http.Request) {
	a.logger.Info("manual import triggered")

	// Start import in a goroutine to avoid blocking
	go func() {
		if err := a.publisher.ImportInbox(context.Background()); err != nil {
			a.logger.Error("manual import failed", zap.Error(err))
		} else {
			a.logger.Info("manual import completed successfully")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "import started",
		"message": "Inbox import has been triggered",
	})
}

// getPublicKey serves the key clients should add to their apt keyring
func (a *API) getPublicKey(w http.ResponseWriter, r *http.Request) {
	key := a.repo.Signer().PublicKey()
	if len(key) == 0 {
		http.Error(w, "pubkey.gpg not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/pgp-keys")
	w.Write(key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
