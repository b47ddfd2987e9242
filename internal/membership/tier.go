package membership

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrInvalidTable = errors.New("membership: invalid tier table")

// Tier is one grade of the membership table. MaxSpent 0 marks the open-ended top tier.
type Tier struct {
	Grade        int             `json:"grade"`
	Name         string          `json:"name"`
	MinSpent     int64           `json:"min_spent"`
	MaxSpent     int64           `json:"max_spent"`
	DiscountRate decimal.Decimal `json:"discount_rate"`
}

// Table is ordered by MinSpent and covers [0, +inf) without gaps.
type Table []Tier

func DefaultTable() Table {
	return Table{
		{Grade: 1, Name: "BRONZE", MinSpent: 0, MaxSpent: 99_999, DiscountRate: decimal.NewFromInt(1)},
		{Grade: 2, Name: "SILVER", MinSpent: 100_000, MaxSpent: 299_999, DiscountRate: decimal.NewFromInt(2)},
		{Grade: 3, Name: "GOLD", MinSpent: 300_000, MaxSpent: 499_999, DiscountRate: decimal.NewFromInt(3)},
		{Grade: 4, Name: "VIP", MinSpent: 500_000, MaxSpent: 999_999, DiscountRate: decimal.NewFromInt(5)},
		{Grade: 5, Name: "VVIP", MinSpent: 1_000_000, MaxSpent: 0, DiscountRate: decimal.NewFromInt(7)},
	}
}

func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidTable)
	}
	if t[0].MinSpent != 0 {
		return fmt.Errorf("%w: first tier starts at %d", ErrInvalidTable, t[0].MinSpent)
	}
	for i, tier := range t {
		if tier.DiscountRate.IsNegative() {
			return fmt.Errorf("%w: %s has negative rate", ErrInvalidTable, tier.Name)
		}
		last := i == len(t)-1
		if last {
			if tier.MaxSpent != 0 {
				return fmt.Errorf("%w: top tier %s must be open-ended", ErrInvalidTable, tier.Name)
			}
			continue
		}
		if tier.MaxSpent < tier.MinSpent {
			return fmt.Errorf("%w: %s max %d below min %d", ErrInvalidTable, tier.Name, tier.MaxSpent, tier.MinSpent)
		}
		if next := t[i+1]; next.MinSpent != tier.MaxSpent+1 {
			return fmt.Errorf("%w: gap or overlap between %s and %s", ErrInvalidTable, tier.Name, next.Name)
		}
	}
	return nil
}

// Lookup returns the highest tier whose MinSpent the spend meets; boundaries are
// inclusive on the lower bound.
func (t Table) Lookup(spend int64) Tier {
	for i := len(t) - 1; i >= 0; i-- {
		if spend >= t[i].MinSpent {
			return t[i]
		}
	}
	return t[0]
}

// Next returns the tier above current, if any.
func (t Table) Next(current Tier) (Tier, bool) {
	for i, tier := range t {
		if tier.Grade == current.Grade && i+1 < len(t) {
			return t[i+1], true
		}
	}
	return Tier{}, false
}

type tierFile struct {
	Tiers []struct {
		Grade       int     `yaml:"grade"`
		Name        string  `yaml:"name"`
		MinSpent    int64   `yaml:"min_spent"`
		MaxSpent    int64   `yaml:"max_spent"`
		RatePercent float64 `yaml:"rate_percent"`
	} `yaml:"tiers"`
}

// ParseTable decodes a YAML tier table and validates it.
func ParseTable(b []byte) (Table, error) {
	var f tierFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse tiers: %w", err)
	}
	out := make(Table, 0, len(f.Tiers))
	for _, ft := range f.Tiers {
		out = append(out, Tier{
			Grade:        ft.Grade,
			Name:         ft.Name,
			MinSpent:     ft.MinSpent,
			MaxSpent:     ft.MaxSpent,
			DiscountRate: decimal.NewFromFloat(ft.RatePercent),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinSpent < out[j].MinSpent })
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadTable reads path, or returns DefaultTable when path is empty.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers: %w", err)
	}
	return ParseTable(b)
}
