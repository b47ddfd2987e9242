package stock

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInsufficient   = errors.New("insufficient stock")
	ErrUnknownProduct = errors.New("unknown product")
)

// Line is one requested order line.
type Line struct {
	ProductID string
	Size      string
	Color     string
	Quantity  int
}

// Allocation records which bucket a line was reserved from. Release replays it.
type Allocation struct {
	LineNo    int    `json:"line_no"`
	ProductID string `json:"product_id"`
	Bucket    Bucket `json:"bucket"`
	Quantity  int    `json:"quantity"`
}

type Shortfall struct {
	LineNo    int    `json:"line_no"`
	ProductID string `json:"product_id"`
	Bucket    Bucket `json:"bucket"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// Missing is how many units the line is short by.
func (s Shortfall) Missing() int { return s.Requested - s.Available }

// ShortageError lists every line that could not be covered.
type ShortageError struct {
	Shortfalls []Shortfall
}

func (e *ShortageError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s[%s] requested %d available %d", s.ProductID, s.Bucket, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *ShortageError) Unwrap() error { return ErrInsufficient }

// Reserve checks every line against working copies of the records and returns the
// updated records (touched products only) with one allocation per line. Lines that
// share a bucket are checked cumulatively. On any shortfall nothing is returned
// except the *ShortageError; the input records are never mutated.
func Reserve(records map[string]Record, lines []Line) (map[string]Record, []Allocation, error) {
	work := make(map[string]Record, len(lines))
	allocs := make([]Allocation, 0, len(lines))
	var short []Shortfall

	for i, ln := range lines {
		if ln.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: line %d product %s quantity %d", ErrInvalidQuantity, i, ln.ProductID, ln.Quantity)
		}
		rec, ok := work[ln.ProductID]
		if !ok {
			orig, found := records[ln.ProductID]
			if !found {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProduct, ln.ProductID)
			}
			rec = orig.Clone()
		}

		b := rec.Resolve(ln.Size, ln.Color)
		avail := rec.Available(b)
		if b.Kind == KindNone || avail < ln.Quantity {
			short = append(short, Shortfall{
				LineNo: i, ProductID: ln.ProductID, Bucket: b,
				Requested: ln.Quantity, Available: avail,
			})
			work[ln.ProductID] = rec
			continue
		}
		if err := rec.Adjust(b, -ln.Quantity); err != nil {
			return nil, nil, err
		}
		work[ln.ProductID] = rec
		allocs = append(allocs, Allocation{LineNo: i, ProductID: ln.ProductID, Bucket: b, Quantity: ln.Quantity})
	}

	if len(short) > 0 {
		return nil, nil, &ShortageError{Shortfalls: short}
	}
	return work, allocs, nil
}

// Release credits each allocation back to its recorded bucket. Allocations whose
// product is no longer present are returned as skipped.
func Release(records map[string]Record, allocs []Allocation) (map[string]Record, []Allocation, error) {
	work := make(map[string]Record, len(allocs))
	var skipped []Allocation

	for _, a := range allocs {
		rec, ok := work[a.ProductID]
		if !ok {
			orig, found := records[a.ProductID]
			if !found {
				skipped = append(skipped, a)
				continue
			}
			rec = orig.Clone()
		}
		if err := rec.Adjust(a.Bucket, a.Quantity); err != nil {
			return nil, nil, fmt.Errorf("release line %d of %s: %w", a.LineNo, a.ProductID, err)
		}
		work[a.ProductID] = rec
	}
	return work, skipped, nil
}
