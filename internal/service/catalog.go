package service

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/ippclub/dora-apt/internal/apt"
	"github.com/ippclub/dora-apt/internal/model"
	"pault.ag/go/debian/version"
)

// ObjectLister is the part of the object store the catalog reads.
type ObjectLister interface {
	List(ctx context.Context, prefix string) ([]model.Object, error)
}

var releaseNotesPattern = regexp.MustCompile(`release_notes_(.+?)\.md$`)

// Catalog groups stored builds by branch and version for the download API.
type Catalog struct {
	store         ObjectLister
	imagePattern  *regexp.Regexp
	packageSuffix string
	primaryBranch string
	baseURL       string
}

// NewCatalog creates a Catalog. imagePattern must capture the version in its
// first group.
func NewCatalog(store ObjectLister, imagePattern, packageSuffix, primaryBranch, baseURL string) (*Catalog, error) {
	re, err := regexp.Compile(imagePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid image pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("image pattern %q has no version group", imagePattern)
	}
	return &Catalog{
		store:         store,
		imagePattern:  re,
		packageSuffix: packageSuffix,
		primaryBranch: primaryBranch,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// ListFiles returns one entry per (branch, version) that has an image or a
// package, primary branch first, then by branch name, newest version first.
func (c *Catalog) ListFiles(ctx context.Context) ([]model.FileInfo, error) {
	objects, err := c.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apt.ErrStorageUnavailable, err)
	}

	type entryKey struct{ branch, version string }
	entries := make(map[entryKey]*model.FileInfo)
	var order []entryKey

	entry := func(branch, ver string) *model.FileInfo {
		k := entryKey{branch, ver}
		if e, ok := entries[k]; ok {
			return e
		}
		e := &model.FileInfo{Branch: branch, Version: ver}
		entries[k] = e
		order = append(order, k)
		return e
	}

	for _, obj := range objects {
		branch, filename := path.Split(obj.Key)
		branch = strings.TrimSuffix(branch, "/")
		if filename == "" {
			continue
		}
		uploaded := obj.UploadedAt.UnixMilli()

		switch {
		case c.imagePattern.MatchString(filename):
			e := entry(branch, c.imagePattern.FindStringSubmatch(filename)[1])
			e.ZipURL = obj.Key
			e.ZipSize = obj.Size
			e.ZipEtag = trimETag(obj.ETag)
			e.LastUpdated = max(e.LastUpdated, uploaded)
		case strings.HasSuffix(filename, c.packageSuffix):
			e := entry(branch, apt.ParseVersion(filename))
			e.DebURL = obj.Key
			e.DebSize = obj.Size
			e.DebEtag = trimETag(obj.ETag)
			e.LastUpdated = max(e.LastUpdated, uploaded)
		}
	}

	// Release notes only annotate builds that exist.
	for _, obj := range objects {
		m := releaseNotesPattern.FindStringSubmatch(obj.Key)
		if m == nil {
			continue
		}
		branch, _ := path.Split(obj.Key)
		if e, ok := entries[entryKey{strings.TrimSuffix(branch, "/"), m[1]}]; ok {
			e.HasReleaseNotes = true
		}
	}

	files := make([]model.FileInfo, 0, len(order))
	for _, k := range order {
		files = append(files, *entries[k])
	}
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.Branch != b.Branch {
			if a.Branch == c.primaryBranch {
				return true
			}
			if b.Branch == c.primaryBranch {
				return false
			}
			return a.Branch < b.Branch
		}
		return CompareVersions(a.Version, b.Version) > 0
	})
	return files, nil
}

// LatestVersion returns the newest build of branch, or nil when the branch
// has none.
func (c *Catalog) LatestVersion(ctx context.Context, branch string) (*model.VersionInfo, error) {
	files, err := c.ListFiles(ctx)
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		if f.Branch != branch {
			continue
		}
		// ListFiles orders versions newest first within a branch.
		info := &model.VersionInfo{
			LatestVersion:    f.Version,
			ImageFingerprint: f.ZipEtag,
			AppFingerprint:   f.DebEtag,
		}
		if f.ZipURL != "" {
			info.ImageURL = c.DownloadURL(f.ZipURL)
		}
		if f.DebURL != "" {
			info.AppURL = c.DownloadURL(f.DebURL)
		}
		return info, nil
	}
	return nil, nil
}

// DownloadURL returns the URL a stored key is downloadable from.
func (c *Catalog) DownloadURL(key string) string {
	return c.baseURL + "/download/" + key
}

// CompareVersions orders versions with Debian semantics. Versions that do not
// parse, including apt.UnknownVersion, sort below every valid version.
func CompareVersions(a, b string) int {
	va, errA := parseVersion(a)
	vb, errB := parseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return version.Compare(va, vb)
}

func parseVersion(s string) (version.Version, error) {
	if s == apt.UnknownVersion || s == "" {
		return version.Version{}, fmt.Errorf("no version")
	}
	return version.Parse(s)
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"'`)
}
