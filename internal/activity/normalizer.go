// Package activity turns raw capture items into deduplicated snapshots and
// keeps a short time-windowed history of them.
package activity

import (
	"sort"
	"time"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
)

type ocrSlot struct {
	item  schemas.OCRItem
	order int
}

type uiSlot struct {
	item  schemas.UIItem
	order int
}

// Normalize deduplicates items into a single snapshot. OCR entries are keyed
// by text, UI entries by UIItem.DedupKey; on a collision the entry with the
// later timestamp wins. Items of unknown kind are dropped. Entries come out
// ordered by timestamp, ties by first appearance.
func Normalize(items []schemas.RawCaptureItem) schemas.ActivitySnapshot {
	ocrByText := make(map[string]*ocrSlot)
	uiByKey := make(map[string]*uiSlot)

	for i, raw := range items {
		switch raw.Kind {
		case schemas.KindOCR:
			if raw.OCR == nil {
				continue
			}
			if slot, ok := ocrByText[raw.OCR.Text]; ok {
				if raw.OCR.Timestamp.After(slot.item.Timestamp) {
					slot.item = *raw.OCR
				}
				continue
			}
			ocrByText[raw.OCR.Text] = &ocrSlot{item: *raw.OCR, order: i}
		case schemas.KindUI:
			if raw.UI == nil {
				continue
			}
			key := raw.UI.DedupKey()
			if slot, ok := uiByKey[key]; ok {
				if raw.UI.Timestamp.After(slot.item.Timestamp) {
					slot.item = *raw.UI
				}
				continue
			}
			uiByKey[key] = &uiSlot{item: *raw.UI, order: i}
		default:
			// Unknown capture kinds carry nothing we can use.
		}
	}

	ocrSlots := make([]*ocrSlot, 0, len(ocrByText))
	for _, s := range ocrByText {
		ocrSlots = append(ocrSlots, s)
	}
	sort.Slice(ocrSlots, func(i, j int) bool {
		return earlier(ocrSlots[i].item.Timestamp, ocrSlots[i].order, ocrSlots[j].item.Timestamp, ocrSlots[j].order)
	})

	uiSlots := make([]*uiSlot, 0, len(uiByKey))
	for _, s := range uiByKey {
		uiSlots = append(uiSlots, s)
	}
	sort.Slice(uiSlots, func(i, j int) bool {
		return earlier(uiSlots[i].item.Timestamp, uiSlots[i].order, uiSlots[j].item.Timestamp, uiSlots[j].order)
	})

	snap := schemas.ActivitySnapshot{
		OCREntries: make([]schemas.OCRItem, 0, len(ocrSlots)),
		UIEntries:  make([]schemas.UIItem, 0, len(uiSlots)),
	}
	apps := newOrderedSet()
	urls := newOrderedSet()
	var tr rangeBuilder

	for _, s := range ocrSlots {
		snap.OCREntries = append(snap.OCREntries, s.item)
		tr.add(s.item.Timestamp)
		apps.add(s.item.AppName)
		urls.add(s.item.URL)
	}
	for _, s := range uiSlots {
		snap.UIEntries = append(snap.UIEntries, s.item)
		tr.add(s.item.Timestamp)
		apps.add(s.item.AppName)
		urls.add(s.item.URL)
	}

	snap.TimeRange = tr.result()
	snap.Apps = apps.values
	snap.URLs = urls.values
	return snap
}

// SortByTimestamp orders raw items by capture time, keeping the relative
// order of items with equal timestamps.
func SortByTimestamp(items []schemas.RawCaptureItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp().Before(items[j].Timestamp())
	})
}

func earlier(a time.Time, aOrder int, b time.Time, bOrder int) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return aOrder < bOrder
}

type rangeBuilder struct {
	set bool
	tr  schemas.TimeRange
}

func (r *rangeBuilder) add(ts time.Time) {
	if !r.set {
		r.tr = schemas.TimeRange{Start: ts, End: ts}
		r.set = true
		return
	}
	if ts.Before(r.tr.Start) {
		r.tr.Start = ts
	}
	if ts.After(r.tr.End) {
		r.tr.End = ts
	}
}

func (r *rangeBuilder) result() schemas.TimeRange { return r.tr }

// orderedSet keeps distinct non-empty strings in insertion order.
type orderedSet struct {
	seen   map[string]struct{}
	values []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{}), values: []string{}}
}

func (s *orderedSet) add(v string) {
	if v == "" {
		return
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.values = append(s.values, v)
}
