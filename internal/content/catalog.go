// Package content supplies niche-matched messages for the post pass.
package content

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	"pewcast/internal/client"
	logx "pewcast/pkg/logx"
)

// ErrNoContent means the catalog holds nothing for the niche.
var ErrNoContent = errors.New("content: no message for niche")

// DefaultNiche is consulted when a niche has no entries of its own.
const DefaultNiche = "default"

// Source picks one message for a niche.
type Source interface {
	Pick(ctx context.Context, niche string) (client.Content, error)
}

type entry struct {
	Text  string `yaml:"text"`
	Media string `yaml:"media"`
}

// Catalog is a YAML file mapping niche -> list of {text, media}.
//
//	crypto:
//	  - text: "gm"
//	    media: "https://example.org/a.jpg"
//	default:
//	  - text: "hello"
type Catalog struct {
	path string
	log  logx.Logger

	mu    sync.RWMutex
	items map[string][]client.Content
	rng   *rand.Rand
}

func Open(path string, log logx.Logger) (*Catalog, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Catalog{path: path, log: log, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Static builds an in-memory catalog.
func Static(items map[string][]client.Content) *Catalog {
	c := &Catalog{log: logx.Nop(), items: map[string][]client.Content{}, rng: rand.New(rand.NewSource(1))}
	for k, v := range items {
		c.items[normalize(k)] = append([]client.Content(nil), v...)
	}
	return c
}

func normalize(niche string) string { return strings.ToLower(strings.TrimSpace(niche)) }

func parse(b []byte) (map[string][]client.Content, error) {
	raw := map[string][]entry{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(map[string][]client.Content, len(raw))
	for niche, list := range raw {
		key := normalize(niche)
		for i, e := range list {
			if strings.TrimSpace(e.Text) == "" && strings.TrimSpace(e.Media) == "" {
				return nil, fmt.Errorf("niche %q item %d: text or media required", niche, i)
			}
			out[key] = append(out[key], client.Content{Text: e.Text, Media: e.Media})
		}
	}
	return out, nil
}

// Reload re-reads the catalog file. A broken file keeps the previous items.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	b, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read content catalog: %w", err)
	}
	items, err := parse(b)
	if err != nil {
		return fmt.Errorf("parse content catalog %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
	c.log.Debug("content catalog loaded", logx.String("path", c.path), logx.Int("niches", len(items)))
	return nil
}

func (c *Catalog) Pick(ctx context.Context, niche string) (client.Content, error) {
	if err := ctx.Err(); err != nil {
		return client.Content{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.items[normalize(niche)]
	if len(list) == 0 {
		list = c.items[DefaultNiche]
	}
	if len(list) == 0 {
		return client.Content{}, fmt.Errorf("%w %q", ErrNoContent, niche)
	}
	return list[c.rng.Intn(len(list))], nil
}

// Watch reloads the catalog whenever its file changes, until ctx ends.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("content watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("content watch %s: %w", c.path, err)
	}

	file := filepath.Base(c.path)
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == file && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("content watch error", logx.Err(err))
		case <-pending:
			pending = nil
			if err := c.Reload(); err != nil {
				c.log.Warn("content reload failed", logx.Err(err))
			}
		}
	}
}
