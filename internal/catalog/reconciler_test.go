package catalog

import (
	"strings"
	"testing"
	"time"

	"github.com/preisradar/preisradar/internal/harvest"
)

func fixedNow() time.Time {
	return time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
}

func newTestReconciler() *Reconciler {
	r := NewReconciler(nil)
	r.Now = fixedNow
	return r
}

func TestDeduplicateKeepsDistinctPrices(t *testing.T) {
	records := []harvest.RawRecord{
		{Source: "Lidl", Name: "Butter", PriceText: "1,99"},
		{Source: "Lidl", Name: "Butter", PriceText: "2,49"},
	}
	out := Deduplicate(records)
	if len(out) != 2 {
		t.Fatalf("deduped to %d, want 2: same product at different prices is two offers", len(out))
	}
}

func TestDeduplicateRicherRecordWins(t *testing.T) {
	records := []harvest.RawRecord{
		{Source: "Lidl", Name: "Butter", PriceText: "1,99"},
		{Source: "Lidl", Name: "Butter", PriceText: "1,99", Description: "Deutsche Markenbutter", ImageURL: "https://cdn.example/b.jpg"},
		{Source: "Lidl", Name: "Butter", PriceText: "1,99", UnitText: "250g"},
	}
	out := Deduplicate(records)
	if len(out) != 1 {
		t.Fatalf("deduped to %d, want 1", len(out))
	}
	if out[0].Description != "Deutsche Markenbutter" {
		t.Errorf("kept record description = %q, want the record adding detail to replace the thin one", out[0].Description)
	}
	if out[0].UnitText != "" {
		t.Errorf("third duplicate added no missing detail, yet replaced the kept record")
	}
}

func TestDeduplicateFirstOccurrenceWinsWithoutNewDetail(t *testing.T) {
	records := []harvest.RawRecord{
		{Source: "Lidl", Name: "Milch", PriceText: "0,89", Description: "Frische Vollmilch"},
		{Source: "Lidl", Name: "Milch", PriceText: "0,89", Description: "anders"},
	}
	out := Deduplicate(records)
	if len(out) != 1 || out[0].Description != "Frische Vollmilch" {
		t.Fatalf("kept = %+v, want the first occurrence", out)
	}
}

func TestDeduplicateCaseInsensitive(t *testing.T) {
	records := []harvest.RawRecord{
		{Source: "Lidl", Name: "BUTTER", PriceText: "1,99"},
		{Source: "lidl", Name: "butter", PriceText: "1,99"},
	}
	if out := Deduplicate(records); len(out) != 1 {
		t.Fatalf("deduped to %d, want 1", len(out))
	}
}

func TestConvertCountsUnparseablePrices(t *testing.T) {
	r := newTestReconciler()
	records := []harvest.RawRecord{
		{Name: "Butter", PriceText: "€1,99"},
		{Name: "Kaputt", PriceText: "Aktion!"},
		{Name: "Milch", PriceText: "-.89"},
	}
	items, errCount := r.Convert(records, "")
	if len(items) != 2 || errCount != 1 {
		t.Fatalf("items=%d errs=%d, want 2/1", len(items), errCount)
	}
	if items[0].Price.String() != "1.99" {
		t.Errorf("price = %s, want 1.99", items[0].Price)
	}
	if items[1].Price.String() != "0.89" {
		t.Errorf("cents shorthand price = %s, want 0.89", items[1].Price)
	}
}

func TestConvertavailability(t *testing.T) {
	r := newTestReconciler()
	records := []harvest.RawRecord{
		{Name: "Erdbeeren", PriceText: "2,99", AvailabilityText: "gültig bis 15.12."},
		{Name: "Spargel", PriceText: "4,99", AvailabilityText: "ausverkauft"},
	}
	items, _ := r.Convert(records, "")
	if !items[0].Available {
		t.Error("future validity window should leave the item available")
	}
	if !items[0].ValidUntil.Valid || items[0].ValidUntil.Time.Year() != 2024 {
		t.Errorf("valid_until = %+v, want a 2024 date", items[0].ValidUntil)
	}
	if items[1].Available {
		t.Error("ausverkauft should mark the item unavailable")
	}
}

func TestConvertClampsLongFields(t *testing.T) {
	r := newTestReconciler()
	records := []harvest.RawRecord{{
		Name:        strings.Repeat("ä", 300),
		PriceText:   "1,00",
		Description: strings.Repeat("x", 600),
	}}
	items, _ := r.Convert(records, strings.Repeat("9", 80))
	if got := len([]rune(items[0].Name)); got != maxNameLen {
		t.Errorf("name clamped to %d runes, want %d", got, maxNameLen)
	}
	if got := len(items[0].Description.String); got != maxDescriptionLen {
		t.Errorf("description clamped to %d, want %d", got, maxDescriptionLen)
	}
	if got := len(items[0].PostalCode.String); got != maxPostalLen {
		t.Errorf("postal code clamped to %d, want %d", got, maxPostalLen)
	}
}

func TestConvertCategoryAndBrand(t *testing.T) {
	r := newTestReconciler()
	records := []harvest.RawRecord{
		{Name: "Milbona Joghurt Natur", PriceText: "0,59", Category: "Angebote"},
		{Name: "Vollkornbrot 750g", PriceText: "1,79", Category: "Angebote"},
		{Name: "xyz unbekanntes produkt", PriceText: "1,00", Category: "Angebote"},
	}
	items, _ := r.Convert(records, "")

	if got := items[0].Category.String; got != "Milchprodukte" {
		t.Errorf("joghurt category = %q, want Milchprodukte over page category", got)
	}
	if got := items[0].Brand.String; got != "Milbona" {
		t.Errorf("brand = %q, want Milbona", got)
	}
	if got := items[1].Category.String; got != "Backwaren" {
		t.Errorf("brot category = %q, want Backwaren", got)
	}
	if got := items[1].Brand.String; got != "Vollkornbrot" {
		t.Errorf("fallback brand = %q, want leading capitalized word", got)
	}
	if got := items[2].Category.String; got != "Angebote" {
		t.Errorf("unmatched category = %q, want harvested page category", got)
	}
	if items[2].Brand.Valid {
		t.Errorf("lowercase name produced brand %q, want none", items[2].Brand.String)
	}
}

func TestConvertPostalAndTimestamps(t *testing.T) {
	r := newTestReconciler()
	items, _ := r.Convert([]harvest.RawRecord{{Name: "Butter", PriceText: "1,99"}}, "10115")
	it := items[0]
	if it.PostalCode.String != "10115" {
		t.Errorf("postal = %q", it.PostalCode.String)
	}
	if !it.HarvestedAt.Equal(fixedNow()) {
		t.Errorf("harvested_at = %v, want injected clock", it.HarvestedAt)
	}
	if !it.IsActive {
		t.Error("new items must be active")
	}
}
