// Package scaffold writes a starter canvas.yml and the directories it refers to.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/canvas/internal/config"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes canvas.yml into dir and creates the snapshot blob directory
// it names. With force, an existing canvas.yml is replaced.
func Initialize(dir string, force bool) error {
	if force {
		if err := handleForce(dir); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles(dir)
	if err != nil {
		return err
	}

	if err := writeFiles(files); err != nil {
		return err
	}

	cfg, err := validateCreatedFiles(dir)
	if err != nil {
		return err
	}

	return createDirectories(dir, cfg)
}

func handleForce(dir string) error {
	path := filepath.Join(dir, config.DefaultPath)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("⚠️  Removing existing %s...\n", config.DefaultPath)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", config.DefaultPath, err)
		}
	}
	return nil
}

func getTemplateFiles(dir string) ([]FileInfo, error) {
	content, err := templatesFS.ReadFile("templates/canvas.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read canvas.yml template: %w", err)
	}
	return []FileInfo{{
		Path:        filepath.Join(dir, config.DefaultPath),
		Content:     content,
		Permissions: 0644,
	}}, nil
}

// createDirectories creates the blob directory when it is relative to dir.
// Absolute paths are left to the operator.
func createDirectories(dir string, cfg *config.CanvasConfig) error {
	if filepath.IsAbs(cfg.Blob.Dir) {
		return nil
	}
	path := filepath.Join(dir, cfg.Blob.Dir)
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

func writeFiles(files []FileInfo) error {
	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}
	return nil
}

// validateCreatedFiles parses the written canvas.yml and runs it through the same
// validation the services apply at startup.
func validateCreatedFiles(dir string) (*config.CanvasConfig, error) {
	content, err := os.ReadFile(filepath.Join(dir, config.DefaultPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read created %s: %w", config.DefaultPath, err)
	}

	var cfg config.CanvasConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("created %s is not valid YAML: %w", config.DefaultPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("created %s is invalid: %w", config.DefaultPath, err)
	}
	return &cfg, nil
}

// PrintSuccess prints the created files and next steps.
func PrintSuccess() {
	fmt.Println("\n✅ Successfully initialized canvas configuration!")
	fmt.Println("\nCreated:")
	fmt.Printf("  ✓ %s\n", config.DefaultPath)
	fmt.Println("  ✓ snapshots/")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point redis_url at your Redis server (or set REDIS_URL)")
	fmt.Println("  2. Run 'canvas worker' to start materialising placements")
	fmt.Println("  3. Run 'canvas serve' to accept placements over HTTP")
}
