package harvest

// defaultConsentKeywords match the accept controls of the common German
// consent-manager deployments.
var defaultConsentKeywords = []string{"zustimmen", "akzeptieren", "cookie", "consent"}

// DefaultSources returns the built-in retailer configurations. Locator chains
// carry the current markup first and older generations after it.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{
			Name:            "Lidl",
			BaseURL:         "https://www.lidl.de",
			ConsentKeywords: defaultConsentKeywords,
			Pages: []PageTarget{
				{Category: "Angebote", URL: "https://www.lidl.de/c/billiger-montag/a10006065"},
			},
			Plan: Plan{
				Containers: FieldChain{".product-grid-box"},
				Name: FieldChain{
					".product-grid-box__title",
					".grid-box__title",
					"h3",
				},
				Price: FieldChain{
					".ods-price__value",
					".m-price__price",
					".price",
				},
				Unit: FieldChain{
					".ods-price__footer",
					".m-price__label",
					".product-grid-box__unit",
				},
				Availability: FieldChain{
					".product-grid-box__availabilities",
					".ods-badge",
				},
				Description: FieldChain{
					".product-grid-box__desc",
					".grid-box__desc",
				},
				Image:  FieldChain{"img"},
				Detail: FieldChain{"a"},
			},
		},
		{
			Name:            "Aldi Süd",
			BaseURL:         "https://www.aldi-sued.de",
			ConsentKeywords: defaultConsentKeywords,
			Pages: []PageTarget{
				{Category: "Frischekracher", URL: "https://www.aldi-sued.de/de/angebote/frischekracher.html"},
				{Category: "Markenaktion der Woche", URL: "https://www.aldi-sued.de/de/angebote/markenaktion-der-woche.html"},
				{Category: "Preisaktion", URL: "https://www.aldi-sued.de/de/angebote/preisaktion.html"},
			},
			Plan: Plan{
				Containers: FieldChain{
					".product-tile",
					".offer-tile",
					".product-item",
					`[class*="product"]`,
					`[class*="offer"]`,
					".mod-article-tile",
					`[data-testid*="product"]`,
				},
				Name: FieldChain{
					".product-title",
					".mod-article-tile__title",
					"h3",
					"h4",
					`[class*="title"]`,
				},
				Price: FieldChain{
					".price",
					".mod-article-tile__price-value",
					`[class*="price"]`,
				},
				Unit: FieldChain{
					".unit",
					".price-base",
					".mod-article-tile__unit",
					`[class*="unit"]`,
				},
				Availability: FieldChain{
					".availability",
					".mod-article-tile__availability",
					`[class*="avail"]`,
				},
				Description: FieldChain{
					".description",
					".mod-article-tile__description",
				},
				Image:  FieldChain{"img"},
				Detail: FieldChain{"a"},
			},
		},
	}
}

// FindSource returns the built-in configuration with the given name, matching
// exactly, or false when unknown.
func FindSource(name string) (SourceConfig, bool) {
	for _, cfg := range DefaultSources() {
		if cfg.Name == name {
			return cfg, true
		}
	}
	return SourceConfig{}, false
}
