package typology

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristics"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Typologies []catalogEntry `yaml:"typologies"`
}

type catalogEntry struct {
	Code        string         `yaml:"code"`
	Name        string         `yaml:"name"`
	Category    string         `yaml:"category"`
	Description string         `yaml:"description"`
	RiskWeight  int            `yaml:"risk_weight"`
	Active      *bool          `yaml:"active"`
	Gate        string         `yaml:"gate"`
	Parameters  map[string]any `yaml:"parameters"`
}

// DefaultCatalog returns the built-in typology catalog.
func DefaultCatalog() ([]*domain.Typology, error) {
	return ParseCatalog(defaultCatalog)
}

// ParseCatalog decodes a YAML catalog. Entries default to active.
func ParseCatalog(data []byte) ([]*domain.Typology, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	seen := make(map[string]bool)
	out := make([]*domain.Typology, 0, len(file.Typologies))
	for _, e := range file.Typologies {
		if seen[e.Code] {
			return nil, fmt.Errorf("catalog: duplicate code %s", e.Code)
		}
		seen[e.Code] = true

		active := true
		if e.Active != nil {
			active = *e.Active
		}
		out = append(out, &domain.Typology{
			Code:        e.Code,
			Name:        e.Name,
			Category:    e.Category,
			Description: e.Description,
			RiskWeight:  e.RiskWeight,
			Parameters:  e.Parameters,
			Gate:        e.Gate,
			Active:      active,
		})
	}
	return out, nil
}

// Validator checks catalog entries before they are stored.
type Validator struct {
	library *heuristics.Library
	gates   *GateCompiler
}

// NewValidator creates a validator for the codes registered in lib.
func NewValidator(lib *heuristics.Library, gates *GateCompiler) *Validator {
	return &Validator{library: lib, gates: gates}
}

// Validate reports why a typology could not be dispatched, if at all.
func (v *Validator) Validate(t *domain.Typology) error {
	if t == nil {
		return errors.New("typology is required")
	}
	if t.Code == "" || t.Name == "" {
		return errors.New("typology code and name are required")
	}
	if t.RiskWeight < 0 || t.RiskWeight > 10 {
		return fmt.Errorf("typology %s: risk weight %d outside 0..10", t.Code, t.RiskWeight)
	}
	if _, ok := v.library.Get(t.Code); !ok {
		return fmt.Errorf("typology %s: %w", t.Code, heuristics.ErrUnknownTypology)
	}
	if _, err := heuristics.DecodeParams(t.Code, t.Parameters); err != nil {
		return err
	}
	if _, err := v.gates.Compile(t.Gate); err != nil {
		return fmt.Errorf("typology %s: %w", t.Code, err)
	}
	return nil
}

// CatalogStore is the part of the repository the seeder needs.
type CatalogStore interface {
	GetTypology(ctx context.Context, code string) (*domain.Typology, error)
	SaveTypology(ctx context.Context, t *domain.Typology) error
}

// Seed stores every catalog entry that is not yet present. With overwrite,
// existing entries are replaced. It returns the number of entries written.
func Seed(ctx context.Context, store CatalogStore, v *Validator, catalog []*domain.Typology, overwrite bool) (int, error) {
	written := 0
	for _, t := range catalog {
		if err := v.Validate(t); err != nil {
			return written, err
		}
		if !overwrite {
			if existing, err := store.GetTypology(ctx, t.Code); err == nil && existing != nil {
				continue
			}
		}
		if err := store.SaveTypology(ctx, t); err != nil {
			return written, fmt.Errorf("seed %s: %w", t.Code, err)
		}
		written++
		slog.Debug("seeded typology", "typology", t.Code, "risk_weight", t.RiskWeight)
	}
	return written, nil
}
