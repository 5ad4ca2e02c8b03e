package relay

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog is the in-process gift catalog. Lookup is read-only after
// construction, so no locking is needed.
type Catalog struct {
	gifts map[string]Gift
}

func NewCatalog(gifts []Gift) *Catalog {
	c := &Catalog{gifts: make(map[string]Gift, len(gifts))}
	for _, g := range gifts {
		if g.ID == "" || g.Coins <= 0 {
			continue
		}
		c.gifts[g.ID] = g
	}
	return c
}

// DefaultCatalog returns the stock gift set.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Gift{
		{ID: "rose", Name: "Rose", Emoji: "🌹", Coins: 10},
		{ID: "heart", Name: "Heart", Emoji: "❤️", Coins: 25},
		{ID: "confetti", Name: "Confetti", Emoji: "🎉", Coins: 50},
		{ID: "rocket", Name: "Rocket", Emoji: "🚀", Coins: 200},
		{ID: "crown", Name: "Crown", Emoji: "👑", Coins: 500},
	})
}

// LoadCatalog reads a YAML catalog file, replacing the stock gift set.
// Entries without an ID or a positive price are skipped like everywhere else.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gift catalog: %w", err)
	}

	var doc struct {
		Gifts []Gift `yaml:"gifts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse gift catalog: %w", err)
	}

	c := NewCatalog(doc.Gifts)
	if len(c.gifts) == 0 {
		return nil, fmt.Errorf("gift catalog %s has no valid entries", path)
	}
	return c, nil
}

func (c *Catalog) Lookup(id string) (Gift, bool) {
	g, ok := c.gifts[id]
	return g, ok
}

// List returns the catalog sorted by price, then ID.
func (c *Catalog) List() []Gift {
	gifts := make([]Gift, 0, len(c.gifts))
	for _, g := range c.gifts {
		gifts = append(gifts, g)
	}
	sort.Slice(gifts, func(i, j int) bool {
		if gifts[i].Coins != gifts[j].Coins {
			return gifts[i].Coins < gifts[j].Coins
		}
		return gifts[i].ID < gifts[j].ID
	})
	return gifts
}
