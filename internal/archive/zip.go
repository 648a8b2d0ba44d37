// Package archive unpacks the challenge data archive.
package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNoDatabase is returned when an archive holds no .db file.
var ErrNoDatabase = eris.New("archive: no .db file in archive")

// Extract unpacks every entry of zipPath under destDir and returns the
// extracted file paths in archive order.
func Extract(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "archive: open")
	}
	defer r.Close() //nolint:errcheck

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "archive: create destination")
	}

	var extracted []string
	for _, f := range r.File {
		path, err := extractEntry(f, destDir)
		if err != nil {
			return extracted, err
		}
		if path != "" {
			extracted = append(extracted, path)
		}
	}
	return extracted, nil
}

// ExtractDatabase unpacks zipPath into destDir (the archive's own
// directory when empty) and returns the path of the first .db entry.
func ExtractDatabase(zipPath, destDir string) (string, error) {
	if destDir == "" {
		destDir = filepath.Dir(zipPath)
	}
	zap.L().Info("archive: extracting", zap.String("archive", zipPath), zap.String("dest", destDir))

	paths, err := Extract(zipPath, destDir)
	if err != nil {
		return "", err
	}
	db, ok := FindDatabase(paths)
	if !ok {
		return "", eris.Wrapf(ErrNoDatabase, "archive: %s", zipPath)
	}
	return db, nil
}

// FindDatabase returns the first path ending in .db.
func FindDatabase(paths []string) (string, bool) {
	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ".db") {
			return p, true
		}
	}
	return "", false
}

// extractEntry writes one entry under destDir. Returns "" for directories.
func extractEntry(f *zip.File, destDir string) (string, error) {
	// Sanitize against zip slip
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("archive: illegal path %q (zip slip attempt)", f.Name)
	}

	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return "", eris.Wrap(err, "archive: create directory")
		}
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "archive: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrapf(err, "archive: open entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "archive: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrapf(err, "archive: write %s", destPath)
	}
	return destPath, nil
}
