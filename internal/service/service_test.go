package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ippclub/dora-apt/internal/apt"
	"github.com/ippclub/dora-apt/internal/model"
	"github.com/ippclub/dora-apt/internal/store"
	"go.uber.org/zap"
)

type fakeLister struct {
	objects []model.Object
	err     error
}

func (f *fakeLister) List(_ context.Context, prefix string) ([]model.Object, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Object
	for _, o := range f.objects {
		if strings.HasPrefix(o.Key, prefix) {
			out = append(out, o)
		}
	}
	return out, nil
}

const imagePattern = `^radxa-x4-arch-(\d+\.\d+\.\d+)\.zip$`

func newTestCatalog(t *testing.T, objects ...model.Object) *Catalog {
	t.Helper()
	c, err := NewCatalog(&fakeLister{objects: objects}, imagePattern, ".deb", "main", "https://dist.example.com/")
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.0", "1.10.0", -1},
		{"2.0.0", "1.99.99", 1},
		{"1.0.0", "1.0.0", 0},
		{"unknown", "0.0.1", -1},
		{"0.0.1", "unknown", 1},
	}
	for _, tt := range tests {
		got := CompareVersions(tt.a, tt.b)
		if (got < 0) != (tt.want < 0) || (got > 0) != (tt.want > 0) {
			t.Errorf("CompareVersions(%q, %q) = %d, want sign of %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestListFiles_GroupsAndSorts(t *testing.T) {
	uploaded := time.UnixMilli(1700000000000)
	c := newTestCatalog(t,
		model.Object{Key: "beta/radxa-x4-arch-0.9.0.zip", Size: 10, ETag: `"b09"`},
		model.Object{Key: "main/radxa-x4-arch-1.2.0.zip", Size: 20, ETag: "m12", UploadedAt: uploaded},
		model.Object{Key: "main/app_1.2.0_arm64.deb", Size: 5, ETag: "d12"},
		model.Object{Key: "main/radxa-x4-arch-1.10.0.zip", Size: 30, ETag: "m110"},
		model.Object{Key: "main/release_notes_1.2.0.md", Size: 1},
		model.Object{Key: "alpha/radxa-x4-arch-3.0.0.zip", Size: 40},
		model.Object{Key: "main/readme.txt", Size: 1},
	)

	files, err := c.ListFiles(context.Background())
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}

	var got []string
	for _, f := range files {
		got = append(got, f.Branch+"@"+f.Version)
	}
	want := []string{"main@1.10.0", "main@1.2.0", "alpha@3.0.0", "beta@0.9.0"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", got, want)
	}

	m12 := files[1]
	if m12.ZipURL != "main/radxa-x4-arch-1.2.0.zip" || m12.DebURL != "main/app_1.2.0_arm64.deb" {
		t.Errorf("entry not merged: %+v", m12)
	}
	if !m12.HasReleaseNotes {
		t.Error("release notes not detected for main@1.2.0")
	}
	if m12.LastUpdated != uploaded.UnixMilli() {
		t.Errorf("LastUpdated = %d", m12.LastUpdated)
	}
	if files[3].ZipEtag != "b09" {
		t.Errorf("etag quotes not trimmed: %q", files[3].ZipEtag)
	}
}

func TestLatestVersion(t *testing.T) {
	c := newTestCatalog(t,
		model.Object{Key: "main/radxa-x4-arch-1.2.0.zip", ETag: "img12"},
		model.Object{Key: "main/radxa-x4-arch-1.10.0.zip", ETag: "img110"},
		model.Object{Key: "main/app_1.10.0_arm64.deb", ETag: "app110"},
	)

	info, err := c.LatestVersion(context.Background(), "main")
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if info == nil {
		t.Fatal("LatestVersion returned nil")
	}
	if info.LatestVersion != "1.10.0" {
		t.Errorf("LatestVersion = %s, want 1.10.0", info.LatestVersion)
	}
	if info.ImageURL != "https://dist.example.com/download/main/radxa-x4-arch-1.10.0.zip" {
		t.Errorf("ImageURL = %s", info.ImageURL)
	}
	if info.AppURL != "https://dist.example.com/download/main/app_1.10.0_arm64.deb" {
		t.Errorf("AppURL = %s", info.AppURL)
	}
	if info.ImageFingerprint != "img110" || info.AppFingerprint != "app110" {
		t.Errorf("fingerprints = %s, %s", info.ImageFingerprint, info.AppFingerprint)
	}
}

func TestLatestVersion_UnknownBranch(t *testing.T) {
	c := newTestCatalog(t, model.Object{Key: "main/radxa-x4-arch-1.2.0.zip"})
	info, err := c.LatestVersion(context.Background(), "nightly")
	if err != nil || info != nil {
		t.Fatalf("LatestVersion = %+v, %v; want nil, nil", info, err)
	}
}

func TestLatestVersion_UnknownSortsLast(t *testing.T) {
	c := newTestCatalog(t,
		model.Object{Key: "main/app_nightly.deb"},
		model.Object{Key: "main/app_0.0.1_arm64.deb"},
	)
	info, err := c.LatestVersion(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if info.LatestVersion != "0.0.1" {
		t.Errorf("LatestVersion = %s, want 0.0.1", info.LatestVersion)
	}
}

func TestListFiles_StorageError(t *testing.T) {
	c, err := NewCatalog(&fakeLister{err: errors.New("down")}, imagePattern, ".deb", "main", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ListFiles(context.Background()); !errors.Is(err, apt.ErrStorageUnavailable) {
		t.Fatalf("error = %v, want ErrStorageUnavailable", err)
	}
}

func TestNewCatalog_RejectsPatternWithoutGroup(t *testing.T) {
	if _, err := NewCatalog(&fakeLister{}, `^image\.zip$`, ".deb", "main", ""); err == nil {
		t.Fatal("expected error for pattern without a version group")
	}
}

func newTestPublisher(t *testing.T, inbox string) (*Publisher, *store.BlobStore) {
	t.Helper()
	s, err := store.NewBlobStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewPublisher(s, inbox, zap.NewNop()), s
}

func TestPublish_StoresAndNotifies(t *testing.T) {
	p, s := newTestPublisher(t, "")

	var notified []string
	p.SetOnPublishCallback(func(branch string) { notified = append(notified, branch) })

	obj, err := p.Publish(context.Background(), "stable", "app_1.0.0_arm64.deb", strings.NewReader("deb"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if obj.Key != "stable/app_1.0.0_arm64.deb" {
		t.Errorf("Key = %s", obj.Key)
	}
	if obj.ContentType != "application/vnd.debian.binary-package" {
		t.Errorf("ContentType = %s", obj.ContentType)
	}
	if len(notified) != 1 || notified[0] != "stable" {
		t.Errorf("callback calls = %v", notified)
	}

	if _, err := s.Head(context.Background(), "stable/app_1.0.0_arm64.deb"); err != nil {
		t.Errorf("Head after publish: %v", err)
	}
}

func TestPublish_RejectsBadSegments(t *testing.T) {
	p, _ := newTestPublisher(t, "")
	for _, tc := range [][2]string{
		{"", "a.deb"},
		{"stable", ""},
		{"..", "a.deb"},
		{"stable/x", "a.deb"},
		{"stable", "../a.deb"},
	} {
		if _, err := p.Publish(context.Background(), tc[0], tc[1], strings.NewReader("x")); !errors.Is(err, store.ErrInvalidKey) {
			t.Errorf("Publish(%q, %q) error = %v, want ErrInvalidKey", tc[0], tc[1], err)
		}
	}
}

func TestImportInbox(t *testing.T) {
	inbox := t.TempDir()
	write := func(rel, content string) {
		full := filepath.Join(inbox, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("stable/app_1.0.0_arm64.deb", "one")
	write("beta/app_1.1.0_arm64.deb", "two")
	write("beta/app_1.2.0_arm64.deb.part", "partial")
	write("stable/.hidden", "x")

	p, s := newTestPublisher(t, inbox)
	var mu sync.Mutex
	seen := map[string]int{}
	p.SetOnPublishCallback(func(branch string) {
		mu.Lock()
		seen[branch]++
		mu.Unlock()
	})

	if err := p.ImportInbox(context.Background()); err != nil {
		t.Fatalf("ImportInbox: %v", err)
	}

	objs, err := s.List(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 2 {
		t.Fatalf("stored %d objects, want 2: %+v", len(objs), objs)
	}
	if seen["stable"] != 1 || seen["beta"] != 1 {
		t.Errorf("callbacks = %v", seen)
	}

	if _, err := os.Stat(filepath.Join(inbox, "stable", "app_1.0.0_arm64.deb")); !os.IsNotExist(err) {
		t.Error("imported file was not removed from inbox")
	}
	if _, err := os.Stat(filepath.Join(inbox, "beta", "app_1.2.0_arm64.deb.part")); err != nil {
		t.Error("partial upload should stay in inbox")
	}
}

func TestImportInbox_Disabled(t *testing.T) {
	p, _ := newTestPublisher(t, "")
	if err := p.ImportInbox(context.Background()); err != nil {
		t.Fatalf("ImportInbox without inbox: %v", err)
	}
	p2, _ := newTestPublisher(t, filepath.Join(t.TempDir(), "missing"))
	if err := p2.ImportInbox(context.Background()); err != nil {
		t.Fatalf("ImportInbox with missing inbox: %v", err)
	}
}

func TestRenderReleaseNotes(t *testing.T) {
	html, err := RenderReleaseNotes([]byte("# 1.2.0\n\n- fixed ~~crash~~ <script>x</script>\n"))
	if err != nil {
		t.Fatalf("RenderReleaseNotes: %v", err)
	}
	got := string(html)
	for _, want := range []string{"<h1>1.2.0</h1>", "<li>", "<del>crash</del>"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "<script>") {
		t.Errorf("raw HTML passed through:\n%s", got)
	}
}

func TestReleaseNotesKey(t *testing.T) {
	if got := ReleaseNotesKey("main", "1.2.0"); got != "main/release_notes_1.2.0.md" {
		t.Errorf("ReleaseNotesKey = %s", got)
	}
}
