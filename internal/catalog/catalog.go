// Package catalog loads the broker catalog: the registry of data brokers the
// scheduler creates scan schedules against.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var validRemovalMethods = map[string]bool{
	"web_form": true, "web_form_with_email_verify": true,
	"web_form_with_phone_verify": true, "account_required": true,
	"email": true, "mail_or_fax": true, "api": true,
}

var validDifficulties = map[string]bool{"easy": true, "medium": true, "hard": true}

var validCategories = map[string]bool{
	"people-search": true, "marketing-data": true,
	"risk-data": true, "background-check": true,
}

// Broker is one catalog entry.
type Broker struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Category      string `yaml:"category" json:"category"`
	RemovalMethod string `yaml:"removal_method" json:"removal_method"`
	Difficulty    string `yaml:"difficulty" json:"difficulty"`
	PlanFile      string `yaml:"plan_file,omitempty" json:"plan_file,omitempty"`
	RecheckDays   int    `yaml:"recheck_days,omitempty" json:"recheck_days"`
	Notes         string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Catalog is the loaded broker registry.
type Catalog struct {
	brokers map[string]Broker
	order   []string
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Brokers []Broker `yaml:"brokers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if doc.Brokers == nil {
		return nil, fmt.Errorf("catalog must contain a 'brokers' list")
	}

	c := &Catalog{brokers: map[string]Broker{}}
	for i, b := range doc.Brokers {
		if b.ID == "" {
			return nil, fmt.Errorf("broker at index %d: missing id", i)
		}
		if b.Name == "" {
			return nil, fmt.Errorf("broker %q: missing name", b.ID)
		}
		if !validCategories[b.Category] {
			return nil, fmt.Errorf("broker %q: invalid category %q", b.ID, b.Category)
		}
		if !validRemovalMethods[b.RemovalMethod] {
			return nil, fmt.Errorf("broker %q: invalid removal_method %q", b.ID, b.RemovalMethod)
		}
		if !validDifficulties[b.Difficulty] {
			return nil, fmt.Errorf("broker %q: invalid difficulty %q", b.ID, b.Difficulty)
		}
		if b.RecheckDays == 0 {
			b.RecheckDays = 30
		}
		if b.RecheckDays < 1 {
			return nil, fmt.Errorf("broker %q: recheck_days must be positive", b.ID)
		}
		if _, dup := c.brokers[b.ID]; dup {
			return nil, fmt.Errorf("duplicate broker id %q", b.ID)
		}
		c.brokers[b.ID] = b
		c.order = append(c.order, b.ID)
	}
	return c, nil
}

// Empty returns a catalog with no brokers.
func Empty() *Catalog {
	return &Catalog{brokers: map[string]Broker{}}
}

// Get returns the broker with the given id.
func (c *Catalog) Get(id string) (Broker, bool) {
	b, ok := c.brokers[id]
	return b, ok
}

// All returns brokers in file order.
func (c *Catalog) All() []Broker {
	out := make([]Broker, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.brokers[id])
	}
	return out
}

// Len returns the number of brokers.
func (c *Catalog) Len() int { return len(c.brokers) }
