package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/mnemon/internal/defaults"
)

// runInit writes the example configuration into dir. An existing
// config.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(path, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "Wrote %s\n", path)
		fmt.Fprintln(w, "Set MNEMON_PASSWORD and your API keys, then run: mnemon serve")
	} else {
		fmt.Fprintf(w, "%s already exists, left unchanged\n", path)
	}
	return nil
}

// writeIfMissing writes content to path only if nothing is there yet.
// The config holds credentials, so it is created with mode perm.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
