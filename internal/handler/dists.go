package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ippclub/dora-apt/internal/apt"
	"go.uber.org/zap"
)

const aptCacheControl = "max-age=3600, public"

func (a *API) getRelease(w http.ResponseWriter, r *http.Request) {
	body, err := a.repo.Release(r.Context(), chi.URLParam(r, "branch"))
	a.writeAPT(w, r, "text/plain; charset=utf-8", body, err)
}

func (a *API) getInRelease(w http.ResponseWriter, r *http.Request) {
	body, err := a.repo.InRelease(r.Context(), chi.URLParam(r, "branch"))
	a.writeAPT(w, r, "text/plain; charset=utf-8", body, err)
}

func (a *API) getReleaseSignature(w http.ResponseWriter, r *http.Request) {
	body, err := a.repo.ReleaseSignature(r.Context(), chi.URLParam(r, "branch"))
	a.writeAPT(w, r, "application/pgp-signature", body, err)
}

func (a *API) getPackages(w http.ResponseWriter, r *http.Request) {
	if !a.servesIndex(r) {
		pathNotFound(w, r)
		return
	}
	text, err := a.repo.Packages(r.Context(), chi.URLParam(r, "branch"))
	a.writeAPT(w, r, "text/plain; charset=utf-8", []byte(text), err)
}

func (a *API) getPackagesGz(w http.ResponseWriter, r *http.Request) {
	if !a.servesIndex(r) {
		pathNotFound(w, r)
		return
	}
	gz, err := a.repo.PackagesGz(r.Context(), chi.URLParam(r, "branch"))
	a.writeAPT(w, r, "application/gzip", gz, err)
}

// servesIndex reports whether the requested component and architecture are
// the ones this repository publishes.
func (a *API) servesIndex(r *http.Request) bool {
	return chi.URLParam(r, "component") == a.cfg.APT.Component &&
		chi.URLParam(r, "arch") == a.cfg.APT.Architecture
}

// writeAPT writes a repository document or maps err to a status code.
func (a *API) writeAPT(w http.ResponseWriter, r *http.Request, contentType string, body []byte, err error) {
	switch {
	case err == nil:
	case errors.Is(err, apt.ErrNotFound):
		http.Error(w, strings.TrimPrefix(r.URL.Path, "/")+" not found", http.StatusNotFound)
		return
	case errors.Is(err, apt.ErrStorageUnavailable):
		a.logger.Error("storage unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusBadGateway)
		return
	default:
		a.logger.Error("failed to build repository document", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", aptCacheControl)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func pathNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Path not found", http.StatusNotFound)
}
