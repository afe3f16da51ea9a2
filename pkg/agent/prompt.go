package agent

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed prompts/default.tmpl
var defaultPromptTemplate string

// PromptData is the data a system prompt template is rendered with.
type PromptData struct {
	UserID string
	Now    time.Time
	// Date is Now formatted as 2006-01-02 with its weekday.
	Date string
}

// PromptSource renders the system prompt for each call. The template comes
// from a file when one is configured and is reloaded when the file changes;
// otherwise the built-in template is used.
type PromptSource struct {
	mu       sync.RWMutex
	tmpl     *template.Template
	path     string
	location *time.Location

	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPromptSource loads the template at path, or the built-in template when
// path is empty. Dates are rendered in loc (UTC when nil).
func NewPromptSource(path string, loc *time.Location) (*PromptSource, error) {
	if loc == nil {
		loc = time.UTC
	}
	ps := &PromptSource{
		path:     path,
		location: loc,
		logger:   log.With().Str("component", "prompt").Logger(),
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	if err := ps.Reload(); err != nil {
		return nil, err
	}
	return ps, nil
}

// Reload re-reads the template file. On error the current template is kept.
func (ps *PromptSource) Reload() error {
	text := defaultPromptTemplate
	name := "default"
	if ps.path != "" {
		data, err := os.ReadFile(ps.path)
		if err != nil {
			return fmt.Errorf("failed to read system prompt: %w", err)
		}
		text = string(data)
		name = filepath.Base(ps.path)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse system prompt: %w", err)
	}

	ps.mu.Lock()
	ps.tmpl = tmpl
	ps.mu.Unlock()
	return nil
}

// Render produces the system prompt for userID at now.
func (ps *PromptSource) Render(userID string, now time.Time) (string, error) {
	ps.mu.RLock()
	tmpl := ps.tmpl
	ps.mu.RUnlock()

	local := now.In(ps.location)
	var b strings.Builder
	err := tmpl.Execute(&b, PromptData{
		UserID: userID,
		Now:    local,
		Date:   local.Format("2006-01-02 (Mon)"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render system prompt: %w", err)
	}
	return b.String(), nil
}

// Watch reloads the template whenever its file changes. The directory is
// watched so editors that replace the file are picked up.
func (ps *PromptSource) Watch() error {
	if ps.path == "" {
		return errors.New("no system prompt file configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(ps.path)); err != nil {
		watcher.Close()
		return err
	}
	ps.watcher = watcher

	go ps.run()
	return nil
}

func (ps *PromptSource) run() {
	target := filepath.Clean(ps.path)
	for {
		select {
		case event, ok := <-ps.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				ps.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("System prompt change detected")
				ps.scheduleReload()
			}

		case err, ok := <-ps.watcher.Errors:
			if !ok {
				return
			}
			ps.logger.Error().Err(err).Msg("Prompt watcher error")

		case <-ps.stopCh:
			return
		}
	}
}

func (ps *PromptSource) scheduleReload() {
	if ps.timer != nil {
		ps.timer.Stop()
	}
	ps.timer = time.AfterFunc(ps.debounce, func() {
		if err := ps.Reload(); err != nil {
			ps.logger.Error().Err(err).Msg("Keeping previous system prompt")
			return
		}
		ps.logger.Info().Str("file", ps.path).Msg("System prompt reloaded")
	})
}

// Close stops watching.
func (ps *PromptSource) Close() error {
	var err error
	ps.stopOnce.Do(func() {
		close(ps.stopCh)
		if ps.watcher != nil {
			err = ps.watcher.Close()
		}
	})
	return err
}
