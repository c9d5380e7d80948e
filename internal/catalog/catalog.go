// Package catalog holds the immutable table of license packages.  It is
// loaded once at startup and injected into the components that price
// sales, provision licenses and accrue debt.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/iliyamo/club-license-service/internal/model"
)

// Catalog is a read-only set of packages keyed by id.  It is safe for
// concurrent use because it is never mutated after construction.
type Catalog struct {
	byID map[string]model.Package
	ids  []string
}

// New validates pkgs and builds a Catalog from them.
func New(pkgs ...model.Package) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]model.Package, len(pkgs))}
	for _, p := range pkgs {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog: package without id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate package %q", p.ID)
		}
		if p.LicenseCount <= 0 || p.RetailPrice < 0 || p.DebtPerLicense < 0 {
			return nil, fmt.Errorf("catalog: package %q has invalid quota or prices", p.ID)
		}
		if p.ValidityMonths <= 0 {
			p.ValidityMonths = 12
		}
		c.byID[p.ID] = p
		c.ids = append(c.ids, p.ID)
	}
	sort.Strings(c.ids)
	return c, nil
}

// Default returns the built-in packages.  Amounts are in øre.
func Default() *Catalog {
	c, err := New(
		model.Package{ID: "package_25", Name: "Klubb 25", LicenseCount: 25, DebtPerLicense: 5900, RetailPrice: 12900, ValidityMonths: 12, AgentCommissionBps: 1000},
		model.Package{ID: "package_50", Name: "Klubb 50", LicenseCount: 50, DebtPerLicense: 5400, RetailPrice: 11900, ValidityMonths: 12, AgentCommissionBps: 1000},
		model.Package{ID: "package_100", Name: "Klubb 100", LicenseCount: 100, DebtPerLicense: 4900, RetailPrice: 10000, ValidityMonths: 12, AgentCommissionBps: 1000},
		model.Package{ID: "package_250", Name: "Klubb 250", LicenseCount: 250, DebtPerLicense: 3900, RetailPrice: 9900, ValidityMonths: 12, AgentCommissionBps: 800},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a JSON array of packages from path.  An empty path yields
// the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var pkgs []model.Package
	if err := json.Unmarshal(raw, &pkgs); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", path, err)
	}
	return New(pkgs...)
}

// Get returns the package with the given id or model.ErrUnknownPackage.
func (c *Catalog) Get(id string) (model.Package, error) {
	p, ok := c.byID[id]
	if !ok {
		return model.Package{}, fmt.Errorf("%w: %s", model.ErrUnknownPackage, id)
	}
	return p, nil
}

// All returns every package ordered by id.
func (c *Catalog) All() []model.Package {
	out := make([]model.Package, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.byID[id])
	}
	return out
}

// WithStripePrices returns a copy of c with card billing price ids set
// from prices (package id -> price id).
func (c *Catalog) WithStripePrices(prices map[string]string) (*Catalog, error) {
	pkgs := c.All()
	for i := range pkgs {
		if p, ok := prices[pkgs[i].ID]; ok {
			pkgs[i].StripePriceID = p
		}
	}
	return New(pkgs...)
}
