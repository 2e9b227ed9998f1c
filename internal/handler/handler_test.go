package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ippclub/dora-apt/internal/app"
	"github.com/ippclub/dora-apt/internal/apt"
	"github.com/ippclub/dora-apt/internal/config"
	"github.com/ippclub/dora-apt/internal/model"
	"github.com/ippclub/dora-apt/internal/service"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("storage:\n  path: " + t.TempDir() + "\nrate_limit:\n  rps: 1000\n  burst: 1000\n"))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

type testServer struct {
	app    *app.App
	router chi.Router
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	clock := func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	a, err := app.New(cfg, zap.NewNop(), clock)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	api := NewAPI(cfg, zap.NewNop(), a.Store, a.Repo, a.Catalog, a.Publisher)
	t.Cleanup(api.Close)

	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return &testServer{app: a, router: r}
}

func (s *testServer) put(t *testing.T, key, body string) {
	t.Helper()
	if _, err := s.app.Store.Put(context.Background(), key, strings.NewReader(body), service.ContentTypeOf(key)); err != nil {
		t.Fatalf("Put %s: %v", key, err)
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) get(path string) *httptest.ResponseRecorder {
	return s.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func TestRelease(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.put(t, "stable/app_1.0.0_arm64.deb", "deb")

	rec := s.get("/dists/stable/Release")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %s", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "max-age=3600, public" {
		t.Errorf("Cache-Control = %s", cc)
	}
	body := rec.Body.String()
	for _, want := range []string{"Codename: stable\n", "Date: Wed, 01 Jan 2025 00:00:00 GMT\n", " main/binary-arm64/Packages.gz"} {
		if !strings.Contains(body, want) {
			t.Errorf("Release missing %q:\n%s", want, body)
		}
	}
}

func TestRelease_EmptyBranch(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	rec := s.get("/dists/nightly/Release")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "dists/nightly/Release not found" {
		t.Errorf("body = %q", got)
	}
}

func TestInRelease_NullSigner(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.put(t, "stable/app_1.0.0_arm64.deb", "deb")

	release := s.get("/dists/stable/Release").Body.String()
	rec := s.get("/dists/stable/InRelease")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "-----BEGIN PGP SIGNED MESSAGE-----\nHash: SHA512\n\n"+release+"\n") {
		t.Errorf("InRelease does not wrap Release:\n%s", body)
	}

	if rec := s.get("/dists/stable/Release.gpg"); rec.Code != http.StatusNotFound {
		t.Errorf("Release.gpg status = %d, want 404", rec.Code)
	}
}

func TestPackages(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.put(t, "stable/app_1.0.0_arm64.deb", "deb")
	s.put(t, "stable/notes.txt", "x")

	rec := s.get("/dists/stable/main/binary-arm64/Packages")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	text := rec.Body.String()
	if !strings.HasPrefix(text, "Package: feralfile-launcher\nVersion: 1.0.0\nArchitecture: arm64\n") {
		t.Errorf("Packages:\n%s", text)
	}
	if !strings.Contains(text, "Filename: pool/stable/app_1.0.0_arm64.deb") {
		t.Errorf("Packages missing Filename:\n%s", text)
	}

	gzRec := s.get("/dists/stable/main/binary-arm64/Packages.gz")
	if ct := gzRec.Header().Get("Content-Type"); ct != "application/gzip" {
		t.Errorf("Content-Type = %s", ct)
	}
	zr, err := gzip.NewReader(gzRec.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != text {
		t.Errorf("Packages.gz does not decompress to Packages")
	}
}

func TestDists_UnknownPaths(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.put(t, "stable/app_1.0.0_arm64.deb", "deb")

	for _, p := range []string{
		"/dists/stable/main/binary-amd64/Packages",
		"/dists/stable/contrib/binary-arm64/Packages.gz",
		"/dists/stable/Contents-arm64",
		"/dists/stable/main/binary-arm64/Packages.xz",
	} {
		rec := s.get(p)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", p, rec.Code)
			continue
		}
		if got := strings.TrimSpace(rec.Body.String()); got != "Path not found" {
			t.Errorf("%s: body = %q", p, got)
		}
	}
}

type failingStore struct{}

func (failingStore) List(context.Context, string) ([]model.Object, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) Head(context.Context, string) (*model.Object, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) Get(context.Context, string) (*model.Object, io.ReadCloser, error) {
	return nil, nil, errors.New("connection refused")
}

func TestDists_StorageUnavailable(t *testing.T) {
	cfg := testConfig(t)
	lister := apt.NewLister(failingStore{}, apt.PackageConfig{Name: "app", Architecture: "arm64"}, 2, zap.NewNop())
	compiler := apt.NewCompiler(apt.ReleaseConfig{Architecture: "arm64"}, nil)
	repo := apt.NewRepository(lister, compiler, apt.NewNullSigner(nil), false, zap.NewNop())
	catalog, err := service.NewCatalog(failingStore{}, cfg.Catalog.ImagePattern, ".deb", "main", "")
	if err != nil {
		t.Fatal(err)
	}

	api := NewAPI(cfg, zap.NewNop(), failingStore{}, repo, catalog, nil)
	t.Cleanup(api.Close)
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	for _, p := range []string{
		"/dists/stable/Release",
		"/dists/stable/InRelease",
		"/dists/stable/main/binary-arm64/Packages",
		"/download/stable/app_1.0.0_arm64.deb",
		"/api/files",
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusBadGateway {
			t.Errorf("%s: status = %d, want 502", p, rec.Code)
		}
	}
}

func TestDownload(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.put(t, "main/radxa-x4-arch-1.2.0.zip", "image bytes")

	rec := s.get("/download/main/radxa-x4-arch-1.2.0.zip")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "image bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/zip" {
		t.Errorf("Content-Type = %s", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="radxa-x4-arch-1.2.0.zip"` {
		t.Errorf("Content-Disposition = %s", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %s", got)
	}

	if rec := s.get("/pool/main/radxa-x4-arch-1.2.0.zip"); rec.Code != http.StatusOK {
		t.Errorf("pool status = %d", rec.Code)
	}
	if rec := s.get("/download/main/missing.zip"); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", rec.Code)
	}
}

func TestLatestVersionAPI(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.put(t, "main/radxa-x4-arch-1.2.0.zip", "old")
	s.put(t, "main/radxa-x4-arch-1.3.0.zip", "new")

	rec := s.get("/api/latest/main")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"latest_version":"1.3.0"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = s.get("/api/latest/nightly")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"Branch not found"}` {
		t.Errorf("body = %s", got)
	}
}

func TestAdminUpload(t *testing.T) {
	cfg := testConfig(t)
	cfg.APT.Cache = true
	s := newTestServer(t, cfg)
	s.put(t, "stable/app_1.0.0_arm64.deb", "one")

	// Prime the cache.
	if rec := s.get("/dists/stable/main/binary-arm64/Packages"); strings.Count(rec.Body.String(), "Package:") != 1 {
		t.Fatalf("Packages before upload:\n%s", rec.Body.String())
	}

	remote := httptest.NewRequest(http.MethodPut, "/admin/artifacts/stable/app_1.1.0_arm64.deb", strings.NewReader("two"))
	if rec := s.do(remote); rec.Code != http.StatusForbidden {
		t.Errorf("remote upload status = %d, want 403", rec.Code)
	}

	spoofed := httptest.NewRequest(http.MethodPut, "/admin/artifacts/stable/app_1.1.0_arm64.deb", strings.NewReader("two"))
	spoofed.Header.Set("X-Forwarded-For", "127.0.0.1")
	if rec := s.do(spoofed); rec.Code != http.StatusForbidden {
		t.Errorf("spoofed upload status = %d, want 403", rec.Code)
	}

	local := httptest.NewRequest(http.MethodPut, "/admin/artifacts/stable/app_1.1.0_arm64.deb", strings.NewReader("two"))
	local.RemoteAddr = "127.0.0.1:40000"
	if rec := s.do(local); rec.Code != http.StatusCreated {
		t.Fatalf("local upload status = %d, body %q", rec.Code, rec.Body.String())
	}

	rec := s.get("/dists/stable/main/binary-arm64/Packages")
	if n := strings.Count(rec.Body.String(), "Package:"); n != 2 {
		t.Errorf("Packages after upload has %d stanzas, want 2", n)
	}
}

func TestPublishFromAnotherProcess(t *testing.T) {
	cfg := testConfig(t)
	cfg.APT.Cache = true
	server := newTestServer(t, cfg)
	server.put(t, "stable/app_1.0.0_arm64.deb", "one")

	if rec := server.get("/dists/stable/main/binary-arm64/Packages"); strings.Count(rec.Body.String(), "Package:") != 1 {
		t.Fatalf("Packages before publish:\n%s", rec.Body.String())
	}
	release := server.get("/dists/stable/Release").Body.String()

	// distctl opens its own App on the same data directory
	tool := newTestServer(t, cfg)
	if _, err := tool.app.Publisher.Publish(context.Background(), "stable", "app_2.0.0_arm64.deb", strings.NewReader("two")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	rec := server.get("/dists/stable/main/binary-arm64/Packages")
	if n := strings.Count(rec.Body.String(), "Package:"); n != 2 {
		t.Errorf("Packages after publish has %d stanzas, want 2:\n%s", n, rec.Body.String())
	}
	if server.get("/dists/stable/Release").Body.String() == release {
		t.Error("Release still describes the old Packages")
	}
}

// stanzaFields returns the Filename, Size and SHA256 of every stanza.
func stanzaFields(text string) [][3]string {
	var out [][3]string
	for _, stanza := range strings.Split(text, "\n\n") {
		var f [3]string
		for _, line := range strings.Split(stanza, "\n") {
			name, value, _ := strings.Cut(line, ": ")
			switch name {
			case "Filename":
				f[0] = value
			case "Size":
				f[1] = value
			case "SHA256":
				f[2] = value
			}
		}
		out = append(out, f)
	}
	return out
}

func TestConcurrentPublish(t *testing.T) {
	cfg := testConfig(t)
	cfg.APT.Cache = true
	s := newTestServer(t, cfg)

	const versions = 8
	var wg sync.WaitGroup
	for i := 0; i < versions; i++ {
		for _, body := range []string{"first build", "second build, longer"} {
			wg.Add(1)
			go func(i int, body string) {
				defer wg.Done()
				req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/admin/artifacts/stable/app_1.%d.0_arm64.deb", i), strings.NewReader(body))
				req.RemoteAddr = "127.0.0.1:40000"
				if rec := s.do(req); rec.Code != http.StatusCreated {
					t.Errorf("upload 1.%d.0 status = %d", i, rec.Code)
				}
				// readers race the writers
				s.get("/dists/stable/main/binary-arm64/Packages")
			}(i, body)
		}
	}
	wg.Wait()

	rec := s.get("/dists/stable/main/binary-arm64/Packages")
	stanzas := stanzaFields(rec.Body.String())
	if len(stanzas) != versions {
		t.Fatalf("Packages has %d stanzas, want %d:\n%s", len(stanzas), versions, rec.Body.String())
	}
	for _, f := range stanzas {
		dl := s.get("/" + f[0])
		if dl.Code != http.StatusOK {
			t.Errorf("%s: status %d", f[0], dl.Code)
			continue
		}
		sum := sha256.Sum256(dl.Body.Bytes())
		if got := hex.EncodeToString(sum[:]); got != f[2] {
			t.Errorf("%s: served SHA256 %s, index says %s", f[0], got, f[2])
		}
		if got := strconv.Itoa(dl.Body.Len()); got != f[1] {
			t.Errorf("%s: served %s bytes, index says %s", f[0], got, f[1])
		}
	}
}

func TestAdminUpload_BadFilename(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	req := httptest.NewRequest(http.MethodPut, "/admin/artifacts/stable/..", bytes.NewReader(nil))
	req.RemoteAddr = "[::1]:40000"
	if rec := s.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Username = "ff"
	cfg.Auth.Password = "secret"
	s := newTestServer(t, cfg)
	s.put(t, "stable/app_1.0.0_arm64.deb", "deb")

	if rec := s.get("/dists/stable/Release"); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/dists/stable/Release", nil)
	req.SetBasicAuth("ff", "secret")
	if rec := s.do(req); rec.Code != http.StatusOK {
		t.Errorf("authorized status = %d, want 200", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.RPS = 1
	cfg.RateLimit.Burst = 2
	s := newTestServer(t, cfg)

	var limited bool
	for i := 0; i < 5; i++ {
		if s.get("/api/files").Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Error("expected a 429 after exhausting the burst")
	}
}

func TestPublicKey(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	if rec := s.get("/pubkey.gpg"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a configured key", rec.Code)
	}
}

func TestReleaseNotes(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.put(t, "main/release_notes_1.2.0.md", "# Fixes\n\n* wifi setup\n")

	rec := s.get("/api/release-notes/main/1.2.0")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "# Fixes\n\n* wifi setup\n" {
		t.Errorf("markdown body = %q", rec.Body.String())
	}

	rec = s.get("/api/release-notes/main/1.2.0?format=html")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "<h1>Fixes</h1>") {
		t.Errorf("html body = %s", rec.Body.String())
	}

	if rec := s.get("/api/release-notes/main/9.9.9"); rec.Code != http.StatusNotFound {
		t.Errorf("missing notes status = %d, want 404", rec.Code)
	}
}

func TestRateLimiter_Close(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	closed := make(chan struct{})
	go func() {
		rl.Close()
		rl.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	select {
	case <-rl.stopped:
	default:
		t.Error("cleanup goroutine still running after Close")
	}
}
