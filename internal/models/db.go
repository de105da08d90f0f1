package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shayne-snap/llmshrink/data"
)

// CatalogEntry is one curated model (fields align with data/catalog.json).
type CatalogEntry struct {
	Name        string `json:"name"`
	Repo        string `json:"repo"`
	Group       string `json:"group"`
	Params      string `json:"params"`
	Description string `json:"description"`
}

// Catalog holds the curated model list (embedded + user overlay).
type Catalog struct {
	entries []CatalogEntry
}

// CatalogPath returns the user overlay path (config dir/llmshrink/catalog.json).
func CatalogPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "llmshrink", "catalog.json"), nil
}

func loadEmbedded() ([]CatalogEntry, error) {
	var entries []CatalogEntry
	if err := json.Unmarshal(data.CatalogJSON, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// mergeEntries merges overlay into base by name (overlay overwrites or appends).
func mergeEntries(base, overlay []CatalogEntry) []CatalogEntry {
	byName := make(map[string]CatalogEntry, len(base)+len(overlay))
	for _, e := range overlay {
		byName[e.Name] = e
	}
	out := make([]CatalogEntry, 0, len(base)+len(overlay))
	seen := make(map[string]bool)
	for _, e := range base {
		if o, ok := byName[e.Name]; ok {
			e = o
		}
		out = append(out, e)
		seen[e.Name] = true
	}
	for _, e := range overlay {
		if !seen[e.Name] {
			out = append(out, e)
			seen[e.Name] = true
		}
	}
	return out
}

// NewCatalog loads the embedded catalog merged with the optional user overlay.
func NewCatalog() (*Catalog, error) {
	base, err := loadEmbedded()
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	path, err := CatalogPath()
	if err != nil {
		return &Catalog{entries: base}, nil
	}
	return newCatalogWithOverlay(base, path), nil
}

func newCatalogWithOverlay(base []CatalogEntry, path string) *Catalog {
	b, err := os.ReadFile(path)
	if err != nil {
		return &Catalog{entries: base}
	}
	var overlay []CatalogEntry
	if err := json.Unmarshal(b, &overlay); err != nil {
		fmt.Fprintf(os.Stderr, "llmshrink: could not parse catalog overlay %s: %v (using embedded list)\n", path, err)
		return &Catalog{entries: base}
	}
	return &Catalog{entries: mergeEntries(base, overlay)}
}

// Entries returns all catalog entries in display order.
func (c *Catalog) Entries() []CatalogEntry {
	return c.entries
}

// Lookup finds an entry by display name or repo id (case-insensitive).
func (c *Catalog) Lookup(name string) (CatalogEntry, bool) {
	q := strings.ToLower(strings.TrimSpace(name))
	for _, e := range c.entries {
		if strings.ToLower(e.Name) == q || strings.ToLower(e.Repo) == q {
			return e, true
		}
	}
	return CatalogEntry{}, false
}

// Group returns entries whose group matches (vision, translation, llm).
func (c *Catalog) Group(group string) []CatalogEntry {
	var out []CatalogEntry
	for _, e := range c.entries {
		if strings.EqualFold(e.Group, group) {
			out = append(out, e)
		}
	}
	return out
}
