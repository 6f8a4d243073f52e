// Package sha256 names markup snapshots by their SHA-256 digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// Hasher implements task.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ShardedPath lays digest out as prefix/<first two hex chars>/<digest><ext>
// so object listings stay shallow.
func ShardedPath(prefix, digest, ext string) string {
	shard := digest
	if len(shard) > 2 {
		shard = shard[:2]
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(strings.Trim(prefix, "/"), shard, digest+ext)
}
