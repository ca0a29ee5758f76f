// Package catalog resolves crew definitions from a directory of JSON files.
// Crew CRUD lives in the surrounding management application; the engine only
// needs read access, so the catalog loads every definition once at startup
// and serves lookups from memory.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
)

// Catalog is an in-memory crew registry keyed by crew id. It satisfies the
// engine's CrewSource interface.
type Catalog struct {
	mu     sync.RWMutex
	crews  map[string]*crew.Crew
	logger *zap.Logger
}

// New returns an empty catalog.
func New(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		crews:  make(map[string]*crew.Crew),
		logger: logger.With(zap.String("component", "crew_catalog")),
	}
}

// Load reads every *.json file under dir as a crew definition. Files that
// fail to parse or validate are skipped with a warning so one bad definition
// does not take the whole catalog down. A missing directory yields an empty
// catalog.
func Load(dir string, logger *zap.Logger) (*Catalog, error) {
	c := New(logger)
	if dir == "" {
		return c, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("crew directory missing, starting with empty catalog",
				zap.String("dir", dir))
			return c, nil
		}
		return nil, fmt.Errorf("read crew directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := loadFile(path)
		if err != nil {
			c.logger.Warn("skipping crew definition",
				zap.String("file", path),
				zap.Error(err))
			continue
		}
		c.Put(def)
	}

	c.logger.Info("crew catalog loaded",
		zap.String("dir", dir),
		zap.Int("crews", len(c.crews)))
	return c, nil
}

func loadFile(path string) (*crew.Crew, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def crew.Crew
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Put registers or replaces a crew definition.
func (c *Catalog) Put(def *crew.Crew) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crews[def.ID] = def
}

// GetCrew looks up a crew by id.
func (c *Catalog) GetCrew(ctx context.Context, id string) (*crew.Crew, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.crews[id]
	if !ok {
		return nil, fmt.Errorf("crew %s: %w", id, crew.ErrCrewNotFound)
	}
	return def, nil
}

// IDs returns the registered crew ids in sorted order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.crews))
	for id := range c.crews {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports the number of registered crews.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.crews)
}
