// Package scaffold writes a starter deployment: server and worker
// configuration, an example engine and an example task batch.
package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/worker"
)

//go:embed templates/*
var templatesFS embed.FS

// Generated file names, relative to the target directory.
const (
	ServerConfigFile = "crucible.yml"
	WorkerConfigFile = "worker.yml"
	EngineScript     = "engines/example-engine.sh"
	BatchFile        = "tasks.yml"
)

// Options are the values substituted into the templates.
type Options struct {
	Identity  string
	Key       string // Written to worker.yml
	KeyHash   string // Written to crucible.yml
	Scope     string
	RedisAddr string
	Namespace string
}

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

var layout = []struct {
	template string
	path     string
	perm     os.FileMode
}{
	{"crucible.yml.tmpl", ServerConfigFile, 0o644},
	{"worker.yml.tmpl", WorkerConfigFile, 0o600}, // Holds the plaintext key
	{"example-engine.sh.tmpl", EngineScript, 0o755},
	{"tasks.yml.tmpl", BatchFile, 0o644},
}

// Initialize writes the starter files into dir. Existing files are an error
// unless force is set, in which case they are overwritten. Generated
// configuration is loaded back through the real loaders before returning.
func Initialize(dir string, opts Options, force bool) ([]string, error) {
	if opts.Identity == "" || opts.Key == "" || opts.KeyHash == "" {
		return nil, fmt.Errorf("identity, key and key hash are required")
	}
	if opts.Scope == "" {
		opts.Scope = "*"
	}
	if opts.RedisAddr == "" {
		opts.RedisAddr = config.DefaultRedisAddr
	}
	if opts.Namespace == "" {
		opts.Namespace = config.DefaultNamespace
	}

	if !force {
		if err := CheckExisting(dir); err != nil {
			return nil, err
		}
	}

	files, err := render(opts)
	if err != nil {
		return nil, err
	}
	if err := writeFiles(dir, files); err != nil {
		return nil, err
	}
	if err := validateCreatedFiles(dir); err != nil {
		return nil, err
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths, nil
}

func render(opts Options) ([]FileInfo, error) {
	files := make([]FileInfo, 0, len(layout))
	for _, l := range layout {
		tmpl, err := template.ParseFS(templatesFS, "templates/"+l.template)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", l.path, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, opts); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", l.path, err)
		}
		files = append(files, FileInfo{Path: l.path, Content: buf.Bytes(), Permissions: l.perm})
	}
	return files, nil
}

func writeFiles(dir string, files []FileInfo) error {
	for _, file := range files {
		path := filepath.Join(dir, file.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", file.Path, err)
		}
		if err := os.WriteFile(path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		// WriteFile keeps the mode of an existing file.
		if err := os.Chmod(path, file.Permissions); err != nil {
			return fmt.Errorf("failed to set mode on %s: %w", file.Path, err)
		}
	}
	return nil
}

func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, ServerConfigFile)); err != nil {
		return fmt.Errorf("generated %s is invalid: %w", ServerConfigFile, err)
	}
	if _, err := worker.LoadConfig(filepath.Join(dir, WorkerConfigFile)); err != nil {
		return fmt.Errorf("generated %s is invalid: %w", WorkerConfigFile, err)
	}
	return nil
}
