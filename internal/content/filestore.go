package content

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/agencyos/dispatch/internal/domain"
)

// templateFile is the on-disk template catalog layout.
type templateFile struct {
	Templates []struct {
		Ref     string `yaml:"ref"`
		Channel string `yaml:"channel"`
		Subject string `yaml:"subject"`
		Body    string `yaml:"body"`
	} `yaml:"templates"`
}

// FileStore serves templates from a YAML catalog loaded at startup.
// Reload swaps the catalog in place so a running scheduler picks up
// edits without a restart.
type FileStore struct {
	path string

	mu        sync.RWMutex
	templates map[string]*Template
}

// NewFileStore loads the catalog at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the catalog from disk.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read template catalog: %w", err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse template catalog: %w", err)
	}

	templates := make(map[string]*Template, len(file.Templates))
	for _, t := range file.Templates {
		if t.Ref == "" {
			return fmt.Errorf("template catalog %s: entry missing ref", s.path)
		}
		if _, dup := templates[t.Ref]; dup {
			return fmt.Errorf("template catalog %s: duplicate ref %s", s.path, t.Ref)
		}
		templates[t.Ref] = &Template{
			Ref:     t.Ref,
			Channel: domain.Channel(t.Channel),
			Subject: t.Subject,
			Body:    t.Body,
		}
	}

	s.mu.Lock()
	s.templates = templates
	s.mu.Unlock()
	return nil
}

// Get resolves a template by reference.
func (s *FileStore) Get(_ context.Context, ref string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[ref]
	if !ok {
		return nil, fmt.Errorf("unknown template %q", ref)
	}
	return tpl, nil
}

// Len reports the number of loaded templates.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.templates)
}
