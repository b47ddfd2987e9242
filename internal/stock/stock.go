package stock

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Kind names the counter a bucket points at.
type Kind string

const (
	KindNone      Kind = ""
	KindFlat      Kind = "flat"
	KindSize      Kind = "size"
	KindSizeColor Kind = "size_color"
)

var (
	ErrNegative        = errors.New("stock quantity would go negative")
	ErrNoBucket        = errors.New("no stock bucket")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// Variant is one per-size-per-color entry.
type Variant struct {
	Size     string `json:"size"`
	Color    string `json:"color"`
	Quantity int    `json:"quantity"`
}

// Record is the stock document stored on a product. Legacy products may carry more
// than one shape; Resolve decides which one governs a line.
type Record struct {
	Flat     *int           `json:"flat,omitempty"`
	Sizes    map[string]int `json:"sizes,omitempty"`
	Variants []Variant      `json:"variants,omitempty"`
}

// Bucket identifies exactly one counter inside a Record.
type Bucket struct {
	Kind  Kind   `json:"kind"`
	Size  string `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
}

func (b Bucket) String() string {
	switch b.Kind {
	case KindFlat:
		return "flat"
	case KindSize:
		return "size=" + b.Size
	case KindSizeColor:
		return "size=" + b.Size + ",color=" + b.Color
	default:
		return "none"
	}
}

func Flat(n int) Record { return Record{Flat: &n} }

func BySize(sizes map[string]int) Record { return Record{Sizes: maps.Clone(sizes)} }

func BySizeColor(vs ...Variant) Record { return Record{Variants: append([]Variant(nil), vs...)} }

// Resolve picks the bucket that governs a line with the given selection:
// size+color list (both selected) -> size map (size selected) -> flat.
// A missing entry in the chosen shape falls back to flat; without flat stock the
// bucket is KindNone and nothing is available.
func (r Record) Resolve(size, color string) Bucket {
	switch {
	case size != "" && color != "" && len(r.Variants) > 0:
		if _, ok := r.variantIndex(size, color); ok {
			return Bucket{Kind: KindSizeColor, Size: size, Color: color}
		}
	case size != "" && len(r.Sizes) > 0:
		if _, ok := r.Sizes[size]; ok {
			return Bucket{Kind: KindSize, Size: size}
		}
	}
	if r.Flat != nil {
		return Bucket{Kind: KindFlat}
	}
	return Bucket{Kind: KindNone, Size: size, Color: color}
}

// Available returns the quantity held by b, zero when the bucket does not exist.
func (r Record) Available(b Bucket) int {
	switch b.Kind {
	case KindFlat:
		if r.Flat != nil {
			return *r.Flat
		}
	case KindSize:
		return r.Sizes[b.Size]
	case KindSizeColor:
		if i, ok := r.variantIndex(b.Size, b.Color); ok {
			return r.Variants[i].Quantity
		}
	}
	return 0
}

// Adjust adds delta to the bucket. A positive delta re-creates a bucket that has
// disappeared from the record; a result below zero is rejected without mutation.
func (r *Record) Adjust(b Bucket, delta int) error {
	cur := r.Available(b)
	next := cur + delta
	if next < 0 {
		return fmt.Errorf("%w: %s has %d, change %d", ErrNegative, b, cur, delta)
	}

	switch b.Kind {
	case KindFlat:
		r.Flat = &next
	case KindSize:
		if r.Sizes == nil {
			r.Sizes = make(map[string]int)
		}
		r.Sizes[b.Size] = next
	case KindSizeColor:
		if i, ok := r.variantIndex(b.Size, b.Color); ok {
			r.Variants[i].Quantity = next
		} else {
			r.Variants = append(r.Variants, Variant{Size: b.Size, Color: b.Color, Quantity: next})
		}
	default:
		return ErrNoBucket
	}
	return nil
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := Record{Sizes: maps.Clone(r.Sizes)}
	if r.Flat != nil {
		n := *r.Flat
		out.Flat = &n
	}
	if r.Variants != nil {
		out.Variants = append([]Variant(nil), r.Variants...)
	}
	return out
}

// Validate reports negative counters.
func (r Record) Validate() error {
	if r.Flat != nil && *r.Flat < 0 {
		return fmt.Errorf("%w: flat=%d", ErrNegative, *r.Flat)
	}
	for size, n := range r.Sizes {
		if n < 0 {
			return fmt.Errorf("%w: size %s=%d", ErrNegative, size, n)
		}
	}
	for _, v := range r.Variants {
		if v.Quantity < 0 {
			return fmt.Errorf("%w: size %s color %s=%d", ErrNegative, v.Size, v.Color, v.Quantity)
		}
	}
	return nil
}

// Total sums every counter in the record.
func (r Record) Total() int {
	total := 0
	if r.Flat != nil {
		total += *r.Flat
	}
	for _, n := range r.Sizes {
		total += n
	}
	for _, v := range r.Variants {
		total += v.Quantity
	}
	return total
}

func (r Record) variantIndex(size, color string) (int, bool) {
	for i, v := range r.Variants {
		if v.Size == size && v.Color == color {
			return i, true
		}
	}
	return -1, false
}

// Decode parses the JSONB column. Empty input is an empty record.
func Decode(b []byte) (Record, error) {
	var r Record
	if len(b) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode stock: %w", err)
	}
	return r, nil
}

func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}
