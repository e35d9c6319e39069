/*
catalog.go - YAML achievement catalog

PURPOSE:
  The catalog is managed outside the engine. Operators keep it in a YAML
  file and import it with `server catalog import FILE`; the engine only
  reads it.

YAML SCHEMA:
  achievements:
    - id: first-review
      name: First Review
      description: Post your first review
      trigger_type: review_count
      trigger_value: 1
    - id: affiliate
      name: Affiliate
      trigger_type: twitch_status
      trigger_string: affiliate
    - id: retired-badge
      name: Retired
      enabled: false
      trigger_type: referrals
      trigger_value: 5

  enabled defaults to true.

SEE ALSO:
  - engine.go: Consumes definitions by trigger type
  - cmd/server: catalog import command
*/
package achievement

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type CatalogYAML struct {
	Achievements []DefinitionYAML `yaml:"achievements"`
}

type DefinitionYAML struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description,omitempty"`
	Enabled       *bool  `yaml:"enabled,omitempty"`
	TriggerType   string `yaml:"trigger_type"`
	TriggerValue  int64  `yaml:"trigger_value,omitempty"`
	TriggerString string `yaml:"trigger_string,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses YAML into validated definitions.
func ParseCatalog(data []byte) ([]Definition, error) {
	var cy CatalogYAML
	if err := yaml.Unmarshal(data, &cy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	defs := make([]Definition, 0, len(cy.Achievements))
	seen := make(map[AchievementID]bool, len(cy.Achievements))
	for i, dy := range cy.Achievements {
		def, err := dy.toDefinition()
		if err != nil {
			return nil, &CatalogError{Index: i, ID: dy.ID, Msg: err.Error()}
		}
		if seen[def.ID] {
			return nil, &CatalogError{Index: i, ID: dy.ID, Msg: "duplicate id"}
		}
		seen[def.ID] = true
		defs = append(defs, def)
	}
	return defs, nil
}

func (dy DefinitionYAML) toDefinition() (Definition, error) {
	id := strings.TrimSpace(dy.ID)
	if id == "" {
		return Definition{}, fmt.Errorf("id is required")
	}
	typ := TriggerType(dy.TriggerType)
	if !typ.Valid() {
		return Definition{}, fmt.Errorf("unknown trigger_type %q", dy.TriggerType)
	}
	if dy.TriggerValue < 0 {
		return Definition{}, fmt.Errorf("trigger_value must not be negative")
	}
	if typ == TriggerTwitchStatus && dy.TriggerString == "" {
		return Definition{}, fmt.Errorf("twitch_status requires trigger_string")
	}

	enabled := true
	if dy.Enabled != nil {
		enabled = *dy.Enabled
	}
	name := dy.Name
	if name == "" {
		name = id
	}
	return Definition{
		ID:            AchievementID(id),
		Name:          name,
		Description:   dy.Description,
		Enabled:       enabled,
		TriggerType:   typ,
		TriggerValue:  dy.TriggerValue,
		TriggerString: dy.TriggerString,
	}, nil
}

// ImportCatalog upserts every definition into the store.
func ImportCatalog(ctx context.Context, store Store, defs []Definition) error {
	for _, def := range defs {
		if err := store.UpsertDefinition(ctx, def); err != nil {
			return fmt.Errorf("import %s: %w", def.ID, err)
		}
	}
	return nil
}
