// Package scrape parses static HTML: whole-page structural extraction and
// CSS-selector extraction with the "<css> @<attr>" attribute form.
package scrape

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link is one anchor on a page.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// FormInput is one named control inside a form.
type FormInput struct {
	Name string `json:"name"`
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Form is one form element with its named controls.
type Form struct {
	Action string      `json:"action"`
	Method string      `json:"method"`
	Inputs []FormInput `json:"inputs"`
}

// Page is the structural extraction of one HTML document.
type Page struct {
	Title           string `json:"title"`
	MetaDescription string `json:"meta_description"`
	TextContent     string `json:"text_content"`
	Links           []Link `json:"links"`
	Forms           []Form `json:"forms"`
}

const maxTextContent = 50_000

// ParsePage extracts title, meta description, visible text, links, and forms.
func ParsePage(html string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	page := &Page{
		Title:           strings.TrimSpace(doc.Find("title").First().Text()),
		MetaDescription: strings.TrimSpace(doc.Find(`meta[name="description"]`).First().AttrOr("content", "")),
	}

	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if text == "" {
		text = strings.Join(strings.Fields(doc.Text()), " ")
	}
	if len(text) > maxTextContent {
		text = text[:maxTextContent]
	}
	page.TextContent = text

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		page.Links = append(page.Links, Link{
			Href: a.AttrOr("href", ""),
			Text: strings.Join(strings.Fields(a.Text()), " "),
		})
	})

	doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		f := Form{
			Action: form.AttrOr("action", ""),
			Method: strings.ToUpper(form.AttrOr("method", "GET")),
		}
		form.Find("input, select, textarea").Each(func(_ int, inp *goquery.Selection) {
			name := inp.AttrOr("name", "")
			if name == "" {
				return
			}
			f.Inputs = append(f.Inputs, FormInput{
				Name: name,
				Type: inp.AttrOr("type", "text"),
				ID:   inp.AttrOr("id", ""),
			})
		})
		page.Forms = append(page.Forms, f)
	})

	return page, nil
}

// ExtractBySelectors extracts values keyed by selector name. A selector of
// the form "<css> @<attr>" yields attribute values; a plain selector yields
// text content. Every key maps to a list.
func ExtractBySelectors(html string, selectors map[string]string) (map[string][]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	out := make(map[string][]string, len(selectors))
	for key, selector := range selectors {
		if idx := strings.LastIndex(selector, " @"); idx >= 0 {
			css := selector[:idx]
			attr := strings.TrimSpace(selector[idx+2:])
			var vals []string
			doc.Find(css).Each(func(_ int, el *goquery.Selection) {
				vals = append(vals, el.AttrOr(attr, ""))
			})
			out[key] = vals
			continue
		}
		var vals []string
		doc.Find(selector).Each(func(_ int, el *goquery.Selection) {
			vals = append(vals, strings.Join(strings.Fields(el.Text()), " "))
		})
		out[key] = vals
	}
	return out, nil
}
