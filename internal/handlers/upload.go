package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

var allowedExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
}

// allowedFile is true if filename has one of the allowed image extensions (case-insensitive)
func allowedFile(filename string) bool {
	dot := strings.LastIndexByte(filename, '.')
	if dot == -1 {
		return false
	}
	return allowedExtensions[strings.ToLower(filename[dot+1:])]
}

// secureFilename reduces a client supplied filename to something safe to use on the local filesystem.
// Non-ASCII characters are decomposed and dropped, path separators become word breaks,
// whitespace runs become '_', and anything outside [A-Za-z0-9_.-] is removed.
// The result may be empty.
func secureFilename(filename string) string {
	decomposed := norm.NFKD.String(filename)
	ascii := strings.Builder{}
	for _, r := range decomposed {
		if r < 0x80 {
			ascii.WriteRune(r)
		}
	}
	s := strings.NewReplacer("/", " ", "\\", " ").Replace(ascii.String())
	s = strings.Join(strings.Fields(s), "_")

	clean := strings.Builder{}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '.' || r == '-' {
			clean.WriteRune(r)
		}
	}
	return strings.Trim(clean.String(), "._")
}

// uniqueUploadName prefixes a sanitized filename with a random hex id, so that concurrent
// uploads of the same file never collide.
func uniqueUploadName(filename string) string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "") + "_" + secureFilename(filename)
}

// saveUpload writes the uploaded file into dir, and returns the path it was written to.
// On failure, nothing is left behind.
func saveUpload(dir string, file multipart.File, header *multipart.FileHeader) (string, error) {
	path := filepath.Join(dir, uniqueUploadName(header.Filename))
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	return path, nil
}
