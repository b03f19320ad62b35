package catalog

import (
	"strings"
	"time"
	"unicode"

	"github.com/preisradar/preisradar/internal/harvest"
	"github.com/preisradar/preisradar/internal/normalize"
	"github.com/preisradar/preisradar/pkg/logger"
)

// Field length limits matching the items table columns. Harvested text is
// clamped, never rejected, for length.
const (
	maxNameLen         = 255
	maxUnitLen         = 100
	maxCategoryLen     = 100
	maxBrandLen        = 100
	maxPostalLen       = 50
	maxAvailabilityLen = 255
	maxDescriptionLen  = 500
)

// categoryKeywords maps product-name fragments to catalog categories. Checked
// in order; the first hit wins over the harvested page category.
var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"Milchprodukte", []string{"milch", "joghurt", "quark", "butter", "käse", "sahne"}},
	{"Backwaren", []string{"brot", "brötchen", "croissant", "baguette", "toast"}},
	{"Obst & Gemüse", []string{"apfel", "äpfel", "banane", "tomate", "gurke", "paprika", "salat", "kartoffel", "zwiebel"}},
	{"Fleisch & Wurst", []string{"hähnchen", "schwein", "rind", "wurst", "schinken", "salami", "hackfleisch"}},
	{"Fisch", []string{"lachs", "forelle", "thunfisch", "garnelen", "fisch"}},
	{"Getränke", []string{"wasser", "saft", "cola", "limonade", "bier", "wein", "kaffee", "tee"}},
	{"Süßwaren", []string{"schokolade", "keks", "bonbon", "gummibär", "pralinen", "eis"}},
	{"Tiefkühl", []string{"tiefkühl", "pizza", "pommes"}},
}

// knownBrands are brand names recognized in product titles regardless of
// position.
var knownBrands = []string{
	"Milbona", "Milsani", "Freshona", "Solevita", "Dulano", "Alesto",
	"Crownfield", "Cien", "Parkside", "Gut Bio", "Bio Sonne", "Ja!",
	"Gut & Günstig", "Coca-Cola", "Pepsi", "Nestlé", "Dr. Oetker",
	"Iglo", "Müller", "Danone", "Ehrmann", "Zott", "Ferrero", "Milka",
	"Haribo", "Ritter Sport", "Barilla", "Maggi", "Knorr",
}

// Reconciler turns raw harvest output into catalog items: parse, enrich,
// clamp, deduplicate.
type Reconciler struct {
	log *logger.Logger
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	return &Reconciler{log: log.WithComponent("reconciler")}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Deduplicate collapses records describing the same product at the same
// source and price. The first occurrence of a key is kept; a later duplicate
// replaces it only when it carries a description or image the kept record
// lacks, so a partial tile never shadows a complete one.
func Deduplicate(records []harvest.RawRecord) []harvest.RawRecord {
	seen := make(map[string]int, len(records))
	out := make([]harvest.RawRecord, 0, len(records))

	for _, rec := range records {
		key := dedupKey(rec)
		if prev, ok := seen[key]; ok {
			if addsDetail(rec, out[prev]) {
				out[prev] = rec
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, rec)
	}
	return out
}

// addsDetail reports whether candidate fills a description or image the kept
// record is missing.
func addsDetail(candidate, kept harvest.RawRecord) bool {
	if candidate.Description != "" && kept.Description == "" {
		return true
	}
	return candidate.ImageURL != "" && kept.ImageURL == ""
}

func dedupKey(rec harvest.RawRecord) string {
	price := strings.TrimSpace(rec.PriceText)
	if price == "" {
		price = "no_price"
	}
	return strings.ToLower(strings.TrimSpace(rec.Name)) + "|" +
		strings.ToLower(strings.TrimSpace(rec.Source)) + "|" +
		strings.ToLower(price)
}

// Convert parses and enriches deduplicated records into items. Records whose
// price text does not parse are counted as errors and skipped; everything
// else degrades field by field.
func (r *Reconciler) Convert(records []harvest.RawRecord, postalCode string) (items []Item, errCount int) {
	now := r.now()
	items = make([]Item, 0, len(records))

	for _, rec := range records {
		price, err := normalize.ParsePrice(rec.PriceText)
		if err != nil {
			r.log.Debug("unparseable price, skipping record",
				"name", rec.Name, "price_text", rec.PriceText)
			errCount++
			continue
		}

		avail := normalize.ParseAvailability(rec.AvailabilityText, now)

		item := Item{
			Name:         clamp(strings.TrimSpace(rec.Name), maxNameLen),
			Price:        price,
			Unit:         nullString(clamp(strings.TrimSpace(rec.UnitText), maxUnitLen)),
			Category:     nullString(clamp(resolveCategory(rec), maxCategoryLen)),
			Brand:        nullString(clamp(detectBrand(rec.Name), maxBrandLen)),
			Description:  nullString(clamp(strings.TrimSpace(rec.Description), maxDescriptionLen)),
			ImageURL:     nullString(rec.ImageURL),
			DetailURL:    nullString(rec.DetailURL),
			Available:    avail.Available,
			Availability: nullString(clamp(avail.Text, maxAvailabilityLen)),
			ValidUntil:   nullTime(avail.ValidUntil),
			PostalCode:   nullString(clamp(postalCode, maxPostalLen)),
			HarvestedAt:  now,
			IsActive:     true,
		}
		items = append(items, item)
	}
	return items, errCount
}

// resolveCategory prefers a keyword match on the product name over the page
// category the record was harvested from.
func resolveCategory(rec harvest.RawRecord) string {
	name := strings.ToLower(rec.Name)
	for _, entry := range categoryKeywords {
		for _, word := range entry.words {
			if strings.Contains(name, word) {
				return entry.category
			}
		}
	}
	return strings.TrimSpace(rec.Category)
}

// detectBrand matches known brands first and falls back to a leading
// capitalized word of at least three letters.
func detectBrand(name string) string {
	lower := strings.ToLower(name)
	for _, brand := range knownBrands {
		if strings.Contains(lower, strings.ToLower(brand)) {
			return brand
		}
	}

	first, _, _ := strings.Cut(strings.TrimSpace(name), " ")
	runes := []rune(first)
	if len(runes) >= 3 && unicode.IsUpper(runes[0]) {
		return first
	}
	return ""
}

func clamp(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
