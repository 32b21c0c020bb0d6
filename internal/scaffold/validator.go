package scaffold

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/canvas/internal/config"
)

// CheckExisting returns an error when dir already holds a canvas.yml.
func CheckExisting(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, config.DefaultPath)); err == nil {
		return fmt.Errorf("canvas already initialized\n\nFound existing: %s\n\nUse 'canvas init --force' to reinitialize (this will overwrite existing configuration)",
			config.DefaultPath)
	}
	return nil
}
