package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/suvfin/examples"
)

// runInit prepares a SuvFin working directory: the data directory and
// an example config.yaml. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing SuvFin workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// The config carries API keys and secrets.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), examples.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml (or export the variables it references), then run: suvfin seed && suvfin serve")
	return nil
}

// writeIfMissing creates path with data and mode unless it already
// exists, reporting either outcome on w.
func writeIfMissing(w io.Writer, path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if errors.Is(err, os.ErrExist) {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
