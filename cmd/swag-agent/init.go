package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/swag-agent/examples"
)

// runInit prepares dir for a first run: the data directory and an
// example config.yaml. Existing files are left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing swag-agent in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s/\n", dataDir)

	// The config carries API keys, so it is not world-readable.
	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, examples.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, not modified)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to add provider keys, agents and tools, then run:")
	fmt.Fprintf(w, "  swag-agent -config %s serve\n", configPath)
	return nil
}

// writeIfMissing writes content to path only if nothing is there yet.
// It reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
