package model

import "time"

// Object describes one stored blob as reported by the object store.
type Object struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ETag        string    `json:"etag"`
	SHA256      string    `json:"sha256,omitempty"` // empty when the store did not record one
	ContentType string    `json:"contentType"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Digest returns the content digest used in package indexes: the recorded
// SHA-256 when present, the ETag otherwise.
func (o Object) Digest() string {
	if o.SHA256 != "" {
		return o.SHA256
	}
	return o.ETag
}

// PackageRecord is one stanza of a Packages index.
type PackageRecord struct {
	Name         string
	Version      string
	Architecture string
	Maintainer   string
	Description  string
	Size         int64
	Digest       string
	Filename     string // storage key, emitted under pool/

	// Optional fields, emitted only when set.
	Depends  string
	Section  string
	Priority string
}
