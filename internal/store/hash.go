package store

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path"
	"strings"
)

// hashWriter forwards writes to w while computing the MD5 (ETag) and
// SHA-256 of everything written.
type hashWriter struct {
	md5Hasher    hash.Hash
	sha256Hasher hash.Hash
	w            io.Writer
	size         int64
}

func newHashWriter(w io.Writer) *hashWriter {
	return &hashWriter{
		md5Hasher:    md5.New(),
		sha256Hasher: sha256.New(),
		w:            w,
	}
}

func (hw *hashWriter) Write(buf []byte) (int, error) {
	n, err := hw.w.Write(buf)
	hw.md5Hasher.Write(buf[:n])
	hw.sha256Hasher.Write(buf[:n])
	hw.size += int64(n)
	return n, err
}

func (hw *hashWriter) Size() int64 {
	return hw.size
}

func (hw *hashWriter) MD5() string {
	return hex.EncodeToString(hw.md5Hasher.Sum(nil))
}

func (hw *hashWriter) SHA256() string {
	return hex.EncodeToString(hw.sha256Hasher.Sum(nil))
}

// ValidateKey rejects keys that are empty, absolute, contain backslashes or
// escape the object root.
func ValidateKey(key string) error {
	switch {
	case key == "",
		strings.HasPrefix(key, "/"),
		strings.Contains(key, "\\"),
		strings.HasSuffix(key, "/"):
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
