package api

import (
	"path"
	"strings"

	"github.com/cuemby/bay/pkg/bayerr"
)

// normalizeWorkspacePath validates and normalizes a client-supplied POSIX
// path per §4.9 / invariant 6: reject absolute paths, null bytes and empty
// strings; collapse "." and ".."; reject if any prefix of the normalized
// path escapes the mount root.
func normalizeWorkspacePath(raw string) (string, error) {
	if raw == "" {
		return "", bayerr.InvalidPath("path must not be empty").WithDetail("reason", "empty_path")
	}
	if strings.ContainsRune(raw, 0) {
		return "", bayerr.InvalidPath("path must not contain a null byte").WithDetail("reason", "null_byte")
	}
	if strings.HasPrefix(raw, "/") {
		return "", bayerr.InvalidPath("path must be relative").WithDetail("reason", "absolute_path")
	}

	cleaned := path.Clean(raw)
	if cleaned == "." {
		return "", bayerr.InvalidPath("path must not be empty").WithDetail("reason", "empty_path")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", bayerr.InvalidPath("path escapes the workspace root").WithDetail("reason", "path_traversal")
	}

	return cleaned, nil
}
