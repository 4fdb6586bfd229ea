package backup

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// fileDigest returns the hex BLAKE3-256 digest of the file at path.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeManifest writes a b3sum-compatible listing of files to path. Entries
// are relative to the manifest's directory.
func writeManifest(path string, files []string) error {
	var b strings.Builder
	for _, file := range files {
		digest, err := fileDigest(file)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "%s  %s\n", digest, filepath.Base(file))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
