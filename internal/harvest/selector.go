package harvest

import (
	"context"
	"strings"
)

// FieldChain is an ordered list of CSS locators tried in sequence within a
// container. The first locator yielding non-empty text (or a non-empty
// attribute value) wins.
type FieldChain []string

// Plan describes how to locate listing containers on a page and how to pull
// each field out of a container. Retailers restructure their markup often;
// the chains carry current and one-or-two-generations-old locators so a
// redesign degrades to partial fields instead of an empty harvest.
type Plan struct {
	Containers   FieldChain
	Name         FieldChain
	Price        FieldChain
	Unit         FieldChain
	Availability FieldChain
	Description  FieldChain
	Image        FieldChain // resolved via the src attribute
	Detail       FieldChain // resolved via the href attribute
}

// Resolve picks the best container locator, walks every matched container and
// extracts one RawRecord per container that carries both a name and a price
// text. Containers lacking either are skipped without error. The returned
// count is the number of containers examined, which feeds progress reporting
// and the harvest summary.
func Resolve(ctx context.Context, page Page, plan Plan, baseURL string, limit int, cancelled func() bool) ([]RawRecord, int, error) {
	locator, total, err := bestContainerLocator(ctx, page, plan.Containers)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, nil
	}
	if limit > 0 && total > limit {
		total = limit
	}

	records := make([]RawRecord, 0, total)
	for i := 0; i < total; i++ {
		if i%25 == 0 && cancelled != nil && cancelled() {
			return records, i, ErrCancelled
		}

		rec := RawRecord{
			Name:             firstText(ctx, page, locator, i, plan.Name),
			PriceText:        firstText(ctx, page, locator, i, plan.Price),
			UnitText:         firstText(ctx, page, locator, i, plan.Unit),
			AvailabilityText: firstText(ctx, page, locator, i, plan.Availability),
			Description:      firstText(ctx, page, locator, i, plan.Description),
		}
		if rec.Name == "" || rec.PriceText == "" {
			continue
		}
		rec.ImageURL = resolveURL(baseURL, firstAttr(ctx, page, locator, i, plan.Image, "src"))
		rec.DetailURL = resolveURL(baseURL, firstAttr(ctx, page, locator, i, plan.Detail, "href"))
		records = append(records, rec)
	}
	return records, total, nil
}

// bestContainerLocator counts matches for every candidate and returns the one
// matching the most elements. Ties keep the earlier candidate, so chains list
// the most specific locator first.
func bestContainerLocator(ctx context.Context, page Page, candidates FieldChain) (string, int, error) {
	best := ""
	bestCount := 0
	for _, candidate := range candidates {
		count, err := page.Count(ctx, candidate)
		if err != nil {
			return "", 0, err
		}
		if count > bestCount {
			best = candidate
			bestCount = count
		}
	}
	return best, bestCount, nil
}

func firstText(ctx context.Context, page Page, container string, index int, chain FieldChain) string {
	for _, locator := range chain {
		text, err := page.Text(ctx, container, index, locator)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}

func firstAttr(ctx context.Context, page Page, container string, index int, chain FieldChain, attr string) string {
	for _, locator := range chain {
		value, err := page.Attribute(ctx, container, index, locator, attr)
		if err != nil {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}

// resolveURL turns protocol-relative and site-relative references into
// absolute URLs against the source's base.
func resolveURL(baseURL, ref string) string {
	switch {
	case ref == "":
		return ""
	case strings.HasPrefix(ref, "//"):
		return "https:" + ref
	case strings.HasPrefix(ref, "/"):
		return strings.TrimSuffix(baseURL, "/") + ref
	default:
		return ref
	}
}
