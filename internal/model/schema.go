package model

import (
	"time"
)

// DBObject represents an object metadata row in the database
type DBObject struct {
	Key         string    `db:"key"`
	Size        int64     `db:"size"`
	ETag        string    `db:"etag"`
	SHA256      string    `db:"sha256"`
	ContentType string    `db:"content_type"`
	UploadedAt  time.Time `db:"uploaded_at"`
}

// Object converts the row to the store-level object description.
func (o *DBObject) Object() Object {
	return Object{
		Key:         o.Key,
		Size:        o.Size,
		ETag:        o.ETag,
		SHA256:      o.SHA256,
		ContentType: o.ContentType,
		UploadedAt:  o.UploadedAt,
	}
}

// Schema contains the SQL schema for the database. Blobs are stored by
// content digest, so an objects row always names a complete, immutable blob.
// revision.value is bumped in the same transaction as every object change.
const Schema = `
CREATE TABLE IF NOT EXISTS objects (
    key TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    etag TEXT NOT NULL,
    sha256 TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
    uploaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_objects_uploaded_at ON objects(uploaded_at);
CREATE INDEX IF NOT EXISTS idx_objects_sha256 ON objects(sha256);

CREATE TABLE IF NOT EXISTS revision (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    value INTEGER NOT NULL
);

INSERT OR IGNORE INTO revision (id, value) VALUES (1, 0);
`
