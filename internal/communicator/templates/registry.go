// Package templates holds the message catalogue: embedded defaults plus
// an optional directory override that is hot-reloaded on change.
package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/cashup/internal/communicator/domain"
	"go.uber.org/zap"
)

//go:embed defaults/*.tmpl
var embeddedDefaults embed.FS

const (
	sourceEmbedded = "embedded"
	sourceOverride = "override"

	subjectPrefix = "Subject:"
)

// requiredFields names the data every default template must be rendered
// with. Override files reusing a known name inherit its contract;
// unknown names carry no requirements.
var requiredFields = map[string][]string{
	"customer_clarification": {"transaction_id", "amount", "currency"},
	"internal_alert":         {"transaction_id", "reason"},
	"payment_confirmation":   {"transaction_id", "amount", "currency"},
	"missing_invoice_query":  {"transaction_id", "amount", "currency"},
	"discrepancy_alert":      {"transaction_id", "discrepancy_code"},
}

// Template is one parsed catalogue entry.
type Template struct {
	Name           string
	Subject        *template.Template
	Body           *template.Template
	RequiredFields []string
	Source         string
}

// ValidateData rejects renders that would silently drop contract fields.
func (t *Template) ValidateData(data map[string]any) error {
	for _, field := range t.RequiredFields {
		value, ok := data[field]
		if !ok || value == nil {
			return fmt.Errorf("%w: %s requires %q", domain.ErrMissingField, t.Name, field)
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: %s requires %q", domain.ErrMissingField, t.Name, field)
		}
	}
	return nil
}

// Render executes subject and body against the event data.
func (t *Template) Render(data map[string]any) (string, string, error) {
	if err := t.ValidateData(data); err != nil {
		return "", "", err
	}
	var subject strings.Builder
	if err := t.Subject.Execute(&subject, data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", t.Name, err)
	}
	var body strings.Builder
	if err := t.Body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", t.Name, err)
	}
	return strings.TrimSpace(subject.String()), strings.TrimSpace(body.String()) + "\n", nil
}

// Normalize slugifies a template reference so lookups tolerate case,
// spaces, and dash/underscore variants.
func Normalize(name string) string {
	return strings.ReplaceAll(slug.Make(name), "-", "_")
}

// Registry resolves template names to parsed templates. The embedded
// defaults always load; files in the override directory shadow them by
// normalized name and are reloaded whenever the directory changes.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template

	dir     string
	log     *zap.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry loads the defaults and, when dir is set, the overrides.
func NewRegistry(dir string, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		dir:  strings.TrimSpace(dir),
		log:  log.Named("communicator.templates"),
		done: make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup resolves one template by normalized name.
func (r *Registry) Lookup(name string) (*Template, error) {
	key := Normalize(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, key)
	}
	return tmpl, nil
}

// List returns the catalogue sorted by name.
func (r *Registry) List() []domain.TemplateInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]domain.TemplateInfo, 0, len(r.templates))
	for _, tmpl := range r.templates {
		fields := append([]string(nil), tmpl.RequiredFields...)
		infos = append(infos, domain.TemplateInfo{
			Name:           tmpl.Name,
			RequiredFields: fields,
			Source:         tmpl.Source,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Watch starts the override-directory watcher. No-op without a dir.
func (r *Registry) Watch() error {
	if r.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("template watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					r.log.Warn("template reload failed", zap.String("trigger", event.Name), zap.Error(err))
					continue
				}
				r.log.Info("templates reloaded", zap.String("trigger", event.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn("template watcher error", zap.Error(err))
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// reload rebuilds the full catalogue and swaps it in atomically. A bad
// override file fails the whole reload so the previous catalogue stays
// live.
func (r *Registry) reload() error {
	loaded := map[string]*Template{}

	if err := fs.WalkDir(embeddedDefaults, "defaults", func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		raw, err := embeddedDefaults.ReadFile(path)
		if err != nil {
			return err
		}
		tmpl, err := parseTemplate(entry.Name(), string(raw), sourceEmbedded)
		if err != nil {
			return err
		}
		loaded[tmpl.Name] = tmpl
		return nil
	}); err != nil {
		return fmt.Errorf("load embedded templates: %w", err)
	}

	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("read template dir: %w", err)
			}
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmpl") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
			if err != nil {
				return fmt.Errorf("read template %s: %w", entry.Name(), err)
			}
			tmpl, err := parseTemplate(entry.Name(), string(raw), sourceOverride)
			if err != nil {
				return err
			}
			loaded[tmpl.Name] = tmpl
		}
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()
	return nil
}

// parseTemplate splits the "Subject: ..." header line from the body and
// compiles both.
func parseTemplate(filename, raw, source string) (*Template, error) {
	name := Normalize(strings.TrimSuffix(filename, ".tmpl"))
	if name == "" {
		return nil, fmt.Errorf("template file %q normalizes to an empty name", filename)
	}

	content := strings.ReplaceAll(raw, "\r\n", "\n")
	firstLine, body, found := strings.Cut(content, "\n")
	if !found || !strings.HasPrefix(firstLine, subjectPrefix) {
		return nil, fmt.Errorf("template %s: first line must start with %q", name, subjectPrefix)
	}
	subjectSrc := strings.TrimSpace(strings.TrimPrefix(firstLine, subjectPrefix))
	if subjectSrc == "" {
		return nil, fmt.Errorf("template %s: empty subject", name)
	}

	subject, err := template.New(name + ".subject").Parse(subjectSrc)
	if err != nil {
		return nil, fmt.Errorf("parse %s subject: %w", name, err)
	}
	bodyTmpl, err := template.New(name + ".body").Parse(strings.TrimLeft(body, "\n"))
	if err != nil {
		return nil, fmt.Errorf("parse %s body: %w", name, err)
	}

	return &Template{
		Name:           name,
		Subject:        subject,
		Body:           bodyTmpl,
		RequiredFields: requiredFields[name],
		Source:         source,
	}, nil
}
