package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ippclub/dora-apt/internal/model"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when no object exists under a key.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for keys that cannot name a stored object.
	ErrInvalidKey = errors.New("invalid object key")
)

// BlobStore keeps object bodies on the local filesystem and their metadata
// in SQLite.
type BlobStore struct {
	db      *sql.DB
	root    string
	tmpDir  string
	logger  *zap.Logger
	nowFunc func() time.Time
}

// NewBlobStore opens (or creates) a blob store rooted at dataPath
func NewBlobStore(dataPath string, logger *zap.Logger) (*BlobStore, error) {
	root := filepath.Join(dataPath, "objects")
	tmpDir := filepath.Join(dataPath, "tmp")
	for _, dir := range []string{root, tmpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	dbPath := filepath.Join(dataPath, "dora-apt.db")
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize schema
	if _, err := db.Exec(model.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &BlobStore{
		db:      db,
		root:    root,
		tmpDir:  tmpDir,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close closes the database connection
func (s *BlobStore) Close() error {
	return s.db.Close()
}

// List returns the metadata of every object whose key starts with prefix,
// ordered by key.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]model.Object, error) {
	query := `
		SELECT key, size, etag, sha256, content_type, uploaded_at
		FROM objects
		WHERE instr(key, ?) = 1
		ORDER BY key
	`
	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	var objects []model.Object
	for rows.Next() {
		row := &model.DBObject{}
		if err := rows.Scan(
			&row.Key,
			&row.Size,
			&row.ETag,
			&row.SHA256,
			&row.ContentType,
			&row.UploadedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		objects = append(objects, row.Object())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate objects: %w", err)
	}

	return objects, nil
}

// Head returns the metadata of the object stored under key
func (s *BlobStore) Head(ctx context.Context, key string) (*model.Object, error) {
	query := `
		SELECT key, size, etag, sha256, content_type, uploaded_at
		FROM objects WHERE key = ?
	`
	row := &model.DBObject{}
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&row.Key,
		&row.Size,
		&row.ETag,
		&row.SHA256,
		&row.ContentType,
		&row.UploadedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	obj := row.Object()
	return &obj, nil
}

// Get returns the object metadata and an open reader over its body. The
// caller must close the reader.
func (s *BlobStore) Get(ctx context.Context, key string) (*model.Object, io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	obj, err := s.Head(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if len(obj.SHA256) != 64 {
		return nil, nil, fmt.Errorf("object %s has no content digest", key)
	}

	f, err := os.Open(s.blobPath(obj.SHA256))
	if os.IsNotExist(err) {
		s.logger.Warn("metadata row without blob", zap.String("key", key), zap.String("sha256", obj.SHA256))
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return obj, f, nil
}

// Put stores the body read from r under key, replacing any existing object.
// The body is staged in a temporary file and moved to a path named by its
// SHA-256. The metadata upsert is the commit point: until it succeeds the
// key keeps describing its previous blob.
func (s *BlobStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (*model.Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	tmp, err := os.CreateTemp(s.tmpDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hw := newHashWriter(tmp)
	_, err = io.Copy(hw, contextReader{ctx: ctx, r: r})
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}

	row := &model.DBObject{
		Key:         key,
		Size:        hw.Size(),
		ETag:        hw.MD5(),
		SHA256:      hw.SHA256(),
		ContentType: contentType,
		UploadedAt:  s.nowFunc().UTC(),
	}

	// Same digest means same bytes, so replacing an existing blob is safe
	// for readers holding it open.
	dst := s.blobPath(row.SHA256)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, fmt.Errorf("failed to move blob into place: %w", err)
	}

	query := `
		INSERT INTO objects (key, size, etag, sha256, content_type, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			size = excluded.size,
			etag = excluded.etag,
			sha256 = excluded.sha256,
			content_type = excluded.content_type,
			uploaded_at = excluded.uploaded_at
	`
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			row.Key,
			row.Size,
			row.ETag,
			row.SHA256,
			row.ContentType,
			row.UploadedAt,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert object: %w", err)
	}

	s.logger.Info("object stored",
		zap.String("key", key),
		zap.Int64("size", row.Size),
		zap.String("sha256", row.SHA256),
	)

	obj := row.Object()
	return &obj, nil
}

// Delete removes an object's metadata. Its blob is reclaimed by Prune.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Revision returns a counter that changes whenever any object is stored or
// deleted, by this process or any other process sharing the database.
func (s *BlobStore) Revision(ctx context.Context) (int64, error) {
	var rev int64
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM revision WHERE id = 1`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}
	return rev, nil
}

// Prune removes blobs no object refers to and abandoned temp files. Only
// files older than grace are considered, so a blob that a concurrent Put has
// just moved into place is never removed before its row is written.
func (s *BlobStore) Prune(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := s.nowFunc().Add(-grace)
	removed := 0

	blobRoot := filepath.Join(s.root, "sha256")
	err := filepath.WalkDir(blobRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return ctx.Err()
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}

		var refs int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM objects WHERE sha256 = ?`, d.Name(),
		).Scan(&refs); err != nil {
			return fmt.Errorf("failed to count references: %w", err)
		}
		if refs > 0 {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}

	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return removed, fmt.Errorf("failed to read temp dir: %w", err)
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.tmpDir, e.Name())); err == nil {
			removed++
		}
	}

	s.logger.Info("store pruned", zap.Int("removed", removed))
	return removed, nil
}

// inTx runs fn in a transaction that also bumps the store revision.
func (s *BlobStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE revision SET value = value + 1 WHERE id = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

// blobPath is objects/sha256/<first two hex digits>/<digest>.
func (s *BlobStore) blobPath(digest string) string {
	return filepath.Join(s.root, "sha256", digest[:2], digest)
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
