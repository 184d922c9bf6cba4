package prompts

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed defaults/*
var defaultFiles embed.FS

// InstallDefaults writes the bundled starter templates into dir. Existing
// files are left alone unless overwrite is set. It returns the names of the
// files it wrote.
func InstallDefaults(dir string, overwrite bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating prompt dir: %w", err)
	}
	entries, err := fs.ReadDir(defaultFiles, "defaults")
	if err != nil {
		return nil, err
	}
	var written []string
	for _, e := range entries {
		dst := filepath.Join(dir, e.Name())
		if !overwrite {
			if _, err := os.Stat(dst); err == nil {
				continue
			}
		}
		data, err := defaultFiles.ReadFile("defaults/" + e.Name())
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return written, fmt.Errorf("writing %s: %w", dst, err)
		}
		written = append(written, e.Name())
	}
	return written, nil
}
