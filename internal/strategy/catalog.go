package strategy

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dativo-io/mentor/internal/policy"
)

//go:embed strategies.yaml
var defaultCatalogYAML []byte

// CatalogFile is the on-disk form of the strategy texts.
type CatalogFile struct {
	Families  map[string]FamilyText   `yaml:"families"`
	Contracts map[string]ContractText `yaml:"contracts"`
}

// FamilyText is a family persona plus optional per-contract fallbacks.
type FamilyText struct {
	Persona   string            `yaml:"persona"`
	Fallbacks map[string]string `yaml:"fallbacks"`
}

// ContractText is the constraint and default fallback of one contract.
type ContractText struct {
	Constraint string `yaml:"constraint"`
	Fallback   string `yaml:"fallback"`
}

// Catalog holds the resolved texts for every strategy. It is immutable once
// built.
type Catalog struct {
	persona    [familyCount]string
	constraint [policy.ContractCount]string
	fallback   [strategyCount]string
}

// ParseCatalog parses and resolves a catalog. Every family and every
// contract must be present.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f CatalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing strategy catalog: %w", err)
	}

	c := &Catalog{}
	for fam := Family(0); fam < familyCount; fam++ {
		ft, ok := f.Families[fam.String()]
		if !ok || strings.TrimSpace(ft.Persona) == "" {
			return nil, fmt.Errorf("strategy catalog: family %s has no persona", fam)
		}
		c.persona[fam] = strings.TrimSpace(ft.Persona)
	}
	for con := policy.Contract(0); con < policy.ContractCount; con++ {
		ct, ok := f.Contracts[con.String()]
		if !ok || strings.TrimSpace(ct.Constraint) == "" || strings.TrimSpace(ct.Fallback) == "" {
			return nil, fmt.Errorf("strategy catalog: contract %s needs constraint and fallback", con)
		}
		c.constraint[con] = strings.TrimSpace(ct.Constraint)
	}
	for s := Strategy(0); s < strategyCount; s++ {
		fb := f.Contracts[s.Contract().String()].Fallback
		if override, ok := f.Families[s.Family().String()].Fallbacks[s.Contract().String()]; ok && strings.TrimSpace(override) != "" {
			fb = override
		}
		c.fallback[s] = strings.TrimSpace(fb)
	}
	for name := range f.Families {
		if !knownFamily(name) {
			return nil, fmt.Errorf("strategy catalog: unknown family %q", name)
		}
	}
	for name := range f.Contracts {
		if _, err := policy.ParseContract(name); err != nil {
			return nil, fmt.Errorf("strategy catalog: %w", err)
		}
	}
	return c, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded strategy catalog: %v", err))
	}
	return c
}

// Persona returns the family persona of s.
func (c *Catalog) Persona(s Strategy) string {
	return c.persona[s.Family()]
}

// Constraint returns the contract constraint of s.
func (c *Catalog) Constraint(s Strategy) string {
	return c.constraint[s.Contract()]
}

// Fallback returns the fixed message delivered when generation is unavailable.
func (c *Catalog) Fallback(s Strategy) string {
	if !s.Valid() {
		return c.fallback[TutorRedirectToTheory]
	}
	return c.fallback[s]
}

func knownFamily(name string) bool {
	for _, n := range familyNames {
		if n == name {
			return true
		}
	}
	return false
}
