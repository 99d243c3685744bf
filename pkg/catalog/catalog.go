// Package catalog enriches registered actions with display metadata for discovery and UI.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// OtherCategory receives actions the table does not describe.
const OtherCategory = "Other"

//go:embed catalog.toml
var defaultTable []byte

// ToolInfo is the discovery view of one registered action.
type ToolInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type entry struct {
	DisplayName string `toml:"display_name"`
	Description string `toml:"description"`
	Category    string `toml:"category"`
}

type table struct {
	Categories []string         `toml:"categories"`
	Tools      map[string]entry `toml:"tools"`
}

// Catalog is an immutable action → metadata table with a fixed category order.
// It is safe for concurrent use.
type Catalog struct {
	categories []string
	order      map[string]int
	tools      map[string]entry
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog built from the embedded table.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(defaultTable)
		if err != nil {
			panic(fmt.Sprintf("catalog: embedded table is invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Parse builds a catalog from a TOML table.
func Parse(data []byte) (*Catalog, error) {
	var t table
	if _, err := toml.Decode(string(data), &t); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		order: make(map[string]int, len(t.Categories)+1),
		tools: make(map[string]entry, len(t.Tools)),
	}
	for _, cat := range t.Categories {
		if _, dup := c.order[cat]; dup {
			return nil, fmt.Errorf("category %q listed twice", cat)
		}
		c.order[cat] = len(c.categories)
		c.categories = append(c.categories, cat)
	}
	if _, ok := c.order[OtherCategory]; !ok {
		c.order[OtherCategory] = len(c.categories)
		c.categories = append(c.categories, OtherCategory)
	}
	for name, e := range t.Tools {
		if _, ok := c.order[e.Category]; !ok {
			return nil, fmt.Errorf("tool %q uses unknown category %q", name, e.Category)
		}
		if e.DisplayName == "" {
			e.DisplayName = displayNameFor(name)
		}
		c.tools[name] = e
	}
	return c, nil
}

// Categories returns the category order.
func (c *Catalog) Categories() []string {
	out := make([]string, len(c.categories))
	copy(out, c.categories)
	return out
}

// Lookup returns the metadata for one action, falling back to a name-derived entry.
func (c *Catalog) Lookup(name string) ToolInfo {
	if e, ok := c.tools[name]; ok {
		return ToolInfo{Name: name, DisplayName: e.DisplayName, Description: e.Description, Category: e.Category}
	}
	return ToolInfo{
		Name:        name,
		DisplayName: displayNameFor(name),
		Description: fmt.Sprintf("Runs the %s action.", name),
		Category:    OtherCategory,
	}
}

// Resolve maps every action through the table and orders the result by category, then display name.
// The output does not depend on the order of actions.
func (c *Catalog) Resolve(actions []string) []ToolInfo {
	seen := make(map[string]struct{}, len(actions))
	out := make([]ToolInfo, 0, len(actions))
	for _, a := range actions {
		if _, dup := seen[a]; dup || a == "" {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, c.Lookup(a))
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := c.order[out[i].Category], c.order[out[j].Category]
		if ci != cj {
			return ci < cj
		}
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func displayNameFor(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	return cases.Title(language.English).String(strings.Join(words, " "))
}
