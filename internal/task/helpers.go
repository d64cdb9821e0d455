package task

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"erasured/internal/connectors/scrape"
	"erasured/internal/store"
	"erasured/internal/vault"
)

func asErr[T error](err error, target *T) bool {
	return errors.As(err, target)
}

func zapError(err error) []zap.Field {
	return []zap.Field{zap.Error(err)}
}

func (r *Registry) scrapeSelectors(html string, selectors map[string]string) (map[string][]string, error) {
	extracted, err := scrape.ExtractBySelectors(html, selectors)
	if err != nil {
		return nil, WrapFatal(err, "scrape.static")
	}
	return extracted, nil
}

func (r *Registry) scrapePage(html string) (map[string]any, error) {
	page, err := scrape.ParsePage(html)
	if err != nil {
		return nil, WrapFatal(err, "scrape.static")
	}
	// Round-trip through JSON so the output matches what lands in state
	// after persistence.
	b, err := json.Marshal(page)
	if err != nil {
		return nil, WrapFatal(err, "scrape.static: encode page")
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, WrapFatal(err, "scrape.static: decode page")
	}
	return out, nil
}

// serpLinks adapts parsed anchors to the discovery package's link shape.
func (r *Registry) serpLinks(html string) ([]struct{ Href, Text string }, error) {
	page, err := scrape.ParsePage(html)
	if err != nil {
		return nil, WrapFatal(err, "discover.search_engine: parse serp")
	}
	links := make([]struct{ Href, Text string }, 0, len(page.Links))
	for _, l := range page.Links {
		links = append(links, struct{ Href, Text string }{Href: l.Href, Text: l.Text})
	}
	return links, nil
}

func sealedFromProfile(p *store.Profile) *vault.Sealed {
	return &vault.Sealed{
		Ciphertext: p.Ciphertext,
		IV:         p.IV,
		Tag:        p.Tag,
		DataHash:   p.DataHash,
	}
}
