package apt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ippclub/dora-apt/internal/model"
	"github.com/klauspost/compress/gzip"
)

// RenderPackages renders records as a Packages index: one stanza per record,
// stanzas separated by a single blank line, no leading or trailing newline.
func RenderPackages(records []model.PackageRecord) string {
	stanzas := make([]string, 0, len(records))
	for _, rec := range records {
		stanzas = append(stanzas, renderStanza(rec))
	}
	return strings.Join(stanzas, "\n\n")
}

func renderStanza(rec model.PackageRecord) string {
	var b strings.Builder
	field := func(name, value string) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
	}

	field("Package", rec.Name)
	field("Version", rec.Version)
	field("Architecture", rec.Architecture)
	field("Maintainer", rec.Maintainer)
	field("Description", rec.Description)
	field("Size", strconv.FormatInt(rec.Size, 10))
	field("SHA256", rec.Digest)
	field("Filename", "pool/"+rec.Filename)

	if rec.Depends != "" {
		field("Depends", rec.Depends)
	}
	if rec.Section != "" {
		field("Section", rec.Section)
	}
	if rec.Priority != "" {
		field("Priority", rec.Priority)
	}
	return b.String()
}

// Compress gzips the UTF-8 bytes of text.
func Compress(text string) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write([]byte(text)); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

// ReleaseConfig holds the fixed fields of a Release manifest.
type ReleaseConfig struct {
	Origin       string
	Label        string
	Suite        string
	Architecture string
	Component    string
	Description  string
}

// Compiler renders Release manifests.
type Compiler struct {
	cfg ReleaseConfig
	now func() time.Time
}

// NewCompiler creates a Compiler. A nil clock means time.Now.
func NewCompiler(cfg ReleaseConfig, now func() time.Time) *Compiler {
	if now == nil {
		now = time.Now
	}
	if cfg.Component == "" {
		cfg.Component = "main"
	}
	return &Compiler{cfg: cfg, now: now}
}

// IndexPath is the repository-relative path of the Packages index.
func (c *Compiler) IndexPath() string {
	return c.cfg.Component + "/binary-" + c.cfg.Architecture + "/Packages"
}

// RenderRelease renders the Release manifest binding branch to the SHA-256
// digests and byte lengths of packagesText and packagesGz.
func (c *Compiler) RenderRelease(branch, packagesText string, packagesGz []byte) string {
	textBytes := []byte(packagesText)
	textSum := sha256.Sum256(textBytes)
	gzSum := sha256.Sum256(packagesGz)
	index := c.IndexPath()

	var b strings.Builder
	fmt.Fprintf(&b, "Origin: %s\n", c.cfg.Origin)
	fmt.Fprintf(&b, "Label: %s\n", c.cfg.Label)
	fmt.Fprintf(&b, "Suite: %s\n", c.cfg.Suite)
	fmt.Fprintf(&b, "Codename: %s\n", branch)
	fmt.Fprintf(&b, "Architectures: %s\n", c.cfg.Architecture)
	fmt.Fprintf(&b, "Components: %s\n", c.cfg.Component)
	fmt.Fprintf(&b, "Description: %s\n", c.cfg.Description)
	fmt.Fprintf(&b, "Date: %s\n", c.now().UTC().Format(http.TimeFormat))
	b.WriteString("SHA256:\n")
	fmt.Fprintf(&b, " %s %d %s\n", hex.EncodeToString(textSum[:]), len(textBytes), index)
	fmt.Fprintf(&b, " %s %d %s.gz", hex.EncodeToString(gzSum[:]), len(packagesGz), index)
	return b.String()
}
