package domain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/iotyro/cartsync/pkg/validator"
)

// DecodeError reports a cart document entry that failed schema validation
// when projected into a line item. Malformed entries are excluded from the
// projection and reported, never silently coerced.
type DecodeError struct {
	ProductID string
	Reason    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cart entry %q failed schema validation: %v", e.ProductID, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Reason }

// ValidateItem checks a line item against the cart entry schema.
func ValidateItem(it LineItem) error {
	if err := validator.Validate(it); err != nil {
		return &DecodeError{ProductID: it.ID, Reason: err}
	}
	return nil
}

// ProjectItems validates every entry of a remote document mapping and splits
// the result into well-formed items (ordered by product ID) and decode errors
// for the rest.
func ProjectItems(d *CartDoc) ([]LineItem, []*DecodeError) {
	if d == nil || len(d.Items) == 0 {
		return []LineItem{}, nil
	}

	var decodeErrs []*DecodeError
	items := make([]LineItem, 0, len(d.Items))
	for id, it := range d.Items {
		if it.ID == "" {
			it.ID = id
		}
		if err := ValidateItem(it); err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				decodeErrs = append(decodeErrs, de)
			}
			continue
		}
		items = append(items, it)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, decodeErrs
}
