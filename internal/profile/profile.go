// Package profile supplies the user profile text used to fill forms.
package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// settingsFile is the subset of the desktop settings document we read.
type settingsFile struct {
	UserProfile *string `json:"userProfile"`
}

// FileProvider re-reads a profile file on every call. A cleared file yields an
// empty profile; a missing or unreadable one leaves the last loaded value in
// place. The file is either plain text or a settings JSON object whose
// "userProfile" field holds the text.
type FileProvider struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current string
	loaded  bool
}

var _ schemas.ProfileProvider = (*FileProvider)(nil)

func NewFileProvider(path string, logger *zap.Logger) *FileProvider {
	return &FileProvider{
		path:   path,
		logger: logger.Named("profile"),
	}
}

// Path returns the file being read.
func (p *FileProvider) Path() string { return p.path }

// Profile returns the current profile. When the file cannot be read the last
// loaded value is returned; it is an error only if nothing was ever loaded.
func (p *FileProvider) Profile(_ context.Context) (string, error) {
	if _, err := p.Reload(); err != nil {
		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.loaded {
			p.logger.Debug("Using last loaded profile", zap.Error(err))
			return p.current, nil
		}
		return "", err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, nil
}

// Reload reads the file and swaps the cached profile if the text changed.
// It reports whether a swap happened.
func (p *FileProvider) Reload() (bool, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return false, fmt.Errorf("failed to read profile %s: %w", p.path, err)
	}
	text := Parse(data)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded && text == p.current {
		return false, nil
	}
	p.current = text
	p.loaded = true
	p.logger.Info("Profile loaded", zap.String("path", p.path), zap.Int("length", len(text)))
	return true, nil
}

// Parse extracts the profile text from file contents.
func Parse(data []byte) string {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var s settingsFile
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil && s.UserProfile != nil {
			return strings.TrimSpace(*s.UserProfile)
		}
	}
	return trimmed
}

// Watch reloads the profile whenever the file changes until ctx is done. The
// parent directory is watched so editors that replace the file by rename are
// seen too. onChange, if not nil, runs after each swap.
func (p *FileProvider) Watch(ctx context.Context, onChange func(string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create profile watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			swapped, err := p.Reload()
			if err != nil {
				p.logger.Debug("Profile reload skipped", zap.Error(err))
				continue
			}
			if swapped && onChange != nil {
				onChange(p.cached())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("Profile watcher error", zap.Error(err))
		}
	}
}

func (p *FileProvider) cached() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Static is a fixed profile.
type Static string

func (s Static) Profile(context.Context) (string, error) { return string(s), nil }
