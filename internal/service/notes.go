package service

import (
	"bytes"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	notesMarkdown     goldmark.Markdown
	notesMarkdownOnce sync.Once
)

func markdown() goldmark.Markdown {
	notesMarkdownOnce.Do(func() {
		notesMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return notesMarkdown
}

// ReleaseNotesKey is the key release notes of a build are stored under.
func ReleaseNotesKey(branch, version string) string {
	return branch + "/release_notes_" + version + ".md"
}

// RenderReleaseNotes converts markdown release notes to HTML. Raw HTML in
// the source is omitted.
func RenderReleaseNotes(source []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := markdown().Convert(source, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
