package domain

import (
	"sort"
	"time"
)

// LineItem is one product entry in a cart, carrying a quantity and a
// price/display snapshot taken at add time. Snapshot fields are not
// re-fetched on read.
type LineItem struct {
	ID         string `json:"id" validate:"required"`
	Name       string `json:"name" validate:"required,max=500"`
	Price      int64  `json:"price" validate:"gte=0"`
	ImageURL   string `json:"image_url,omitempty" validate:"omitempty,max=2000"`
	Quantity   int    `json:"quantity" validate:"required,gte=1"`
	Seller     string `json:"seller,omitempty" validate:"max=200"`
	ProductID  string `json:"product_id,omitempty"`
	DataAIHint string `json:"data_ai_hint,omitempty"`
}

// WellFormed reports whether the item carries the fields a cart entry must
// have to participate in quantity merging. Entries from older document
// revisions may lack a quantity.
func (it LineItem) WellFormed() bool {
	return it.ID != "" && it.Quantity >= 1
}

// CartDoc is the per-user remote cart document: a mapping from product ID to
// line item plus a freshness timestamp and an optimistic-concurrency counter.
// An absent document is equivalent to an empty mapping.
type CartDoc struct {
	UserID      string              `json:"user_id"`
	Items       map[string]LineItem `json:"items"`
	Version     int                 `json:"version"`
	LastUpdated time.Time           `json:"last_updated"`
}

// NewCartDoc creates an empty cart document for the given user.
func NewCartDoc(userID string) *CartDoc {
	return &CartDoc{
		UserID:      userID,
		Items:       make(map[string]LineItem),
		LastUpdated: time.Now().UTC(),
	}
}

// Upsert folds an item into the mapping. If an entry with the same ID exists
// and is well-formed, quantities are summed and the existing entry's snapshot
// fields are kept; a malformed existing entry is replaced outright. Absent
// quantities default to one on both sides.
func (d *CartDoc) Upsert(item LineItem) {
	if d.Items == nil {
		d.Items = make(map[string]LineItem)
	}

	existing, ok := d.Items[item.ID]
	if !ok || !existing.WellFormed() {
		if item.Quantity < 1 {
			item.Quantity = 1
		}
		d.Items[item.ID] = item
		return
	}

	addQty := item.Quantity
	if addQty < 1 {
		addQty = 1
	}
	existing.Quantity += addQty
	d.Items[item.ID] = existing
}

// Set replaces the entry for item.ID verbatim, appending if absent.
func (d *CartDoc) Set(item LineItem) {
	if d.Items == nil {
		d.Items = make(map[string]LineItem)
	}
	d.Items[item.ID] = item
}

// Remove deletes the entry for the product ID. Reports whether it was present.
func (d *CartDoc) Remove(productID string) bool {
	if _, ok := d.Items[productID]; !ok {
		return false
	}
	delete(d.Items, productID)
	return true
}

// ItemList projects the mapping's values as a slice ordered by product ID,
// so repeated reads of the same document yield identical sequences.
func (d *CartDoc) ItemList() []LineItem {
	items := make([]LineItem, 0, len(d.Items))
	for _, it := range d.Items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// ItemCount returns the total unit count: the sum of every entry's quantity,
// not the number of distinct products.
func (d *CartDoc) ItemCount() int {
	var count int
	for _, it := range d.Items {
		count += it.Quantity
	}
	return count
}

// CountItems sums quantities over a flat item list.
func CountItems(items []LineItem) int {
	var count int
	for _, it := range items {
		count += it.Quantity
	}
	return count
}

// MergeLocal folds a local (guest) cart into the document, in place. For each
// local item whose ID matches a well-formed remote entry, the merged quantity
// is remote plus local and the remote entry's other fields win; everything
// else is taken from the local item verbatim.
func (d *CartDoc) MergeLocal(local []LineItem) {
	if d.Items == nil {
		d.Items = make(map[string]LineItem)
	}

	for _, li := range local {
		remote, ok := d.Items[li.ID]
		if ok && remote.WellFormed() {
			localQty := li.Quantity
			if localQty < 1 {
				localQty = 1
			}
			remote.Quantity += localQty
			d.Items[li.ID] = remote
			continue
		}
		d.Items[li.ID] = li
	}
}
