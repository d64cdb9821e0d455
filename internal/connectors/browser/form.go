package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

var optOutKeywords = []string{"opt out", "optout", "remove", "delete", "privacy", "unlist"}

// FormField is one named control of a detected form.
type FormField struct {
	Selector string `json:"selector"`
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
}

// FormDefinition describes a detected opt-out form.
type FormDefinition struct {
	FormSelector   string      `json:"form_selector"`
	Action         string      `json:"action,omitempty"`
	Method         string      `json:"method"`
	Fields         []FormField `json:"fields"`
	SubmitSelector string      `json:"submit_selector,omitempty"`
}

// SubmitRequest describes one form submission.
type SubmitRequest struct {
	URL        string
	FormHint   string            // explicit form selector; heuristics when empty
	Values     map[string]string // field selector -> value
	Timeout    time.Duration
	Screenshot bool
}

// SubmitResult is the outcome of a form submission.
type SubmitResult struct {
	URL           string          `json:"url"`
	FinalURL      string          `json:"final_url"`
	Form          *FormDefinition `json:"form"`
	ResponseText  string          `json:"response_text"`
	BeforePNG     []byte          `json:"-"`
	AfterPNG      []byte          `json:"-"`
}

// SubmitForm navigates to a page, finds the opt-out form (explicit hint
// first, then keyword heuristics, then first form), fills the given values,
// and submits. Screenshots are taken before and after when requested.
func (b *Browser) SubmitForm(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}

	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if b.cfg.Stealth {
		_ = proto.NetworkSetUserAgentOverride{UserAgent: desktopUserAgent}.Call(page)
	}
	if err := page.Timeout(timeout).Navigate(req.URL); err != nil {
		return nil, wrapNavError(req.URL, err)
	}
	if err := page.Timeout(timeout).WaitLoad(); err != nil {
		return nil, wrapNavError(req.URL, err)
	}

	form, err := b.detectForm(page, req.FormHint, timeout)
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{URL: req.URL, Form: form}

	for selector, value := range req.Values {
		el, err := page.Timeout(timeout).Element(selector)
		if err != nil {
			return nil, &SelectorNotFoundError{Selector: selector}
		}
		if err := el.Input(value); err != nil {
			return nil, fmt.Errorf("fill %s: %w", selector, err)
		}
	}

	if req.Screenshot {
		if png, err := page.Screenshot(true, nil); err == nil {
			result.BeforePNG = png
		}
	}

	submitSel := form.SubmitSelector
	if submitSel == "" {
		submitSel = form.FormSelector + ` [type="submit"]`
	}
	submit, err := page.Timeout(timeout).Element(submitSel)
	if err != nil {
		return nil, &SelectorNotFoundError{Selector: submitSel}
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, fmt.Errorf("submit form: %w", err)
	}
	_ = page.Timeout(timeout).WaitLoad()

	if req.Screenshot {
		if png, err := page.Screenshot(true, nil); err == nil {
			result.AfterPNG = png
		}
	}

	if info, err := page.Info(); err == nil {
		result.FinalURL = info.URL
	}
	if html, err := page.HTML(); err == nil {
		result.ResponseText = html
	}
	return result, nil
}

func (b *Browser) detectForm(page *rod.Page, hint string, timeout time.Duration) (*FormDefinition, error) {
	if hint != "" {
		if el, err := page.Timeout(timeout).Element(hint); err == nil && el != nil {
			return b.parseForm(page, hint, timeout)
		}
	}

	forms, err := page.Timeout(timeout).Elements("form")
	if err != nil || len(forms) == 0 {
		return nil, &SelectorNotFoundError{Selector: "form"}
	}

	for i, form := range forms {
		text, err := form.Text()
		if err != nil {
			continue
		}
		lower := strings.ToLower(text)
		for _, kw := range optOutKeywords {
			if strings.Contains(lower, kw) {
				return b.parseForm(page, fmt.Sprintf("form:nth-of-type(%d)", i+1), timeout)
			}
		}
	}
	return b.parseForm(page, "form:first-of-type", timeout)
}

func (b *Browser) parseForm(page *rod.Page, formSelector string, timeout time.Duration) (*FormDefinition, error) {
	form, err := page.Timeout(timeout).Element(formSelector)
	if err != nil {
		return nil, &SelectorNotFoundError{Selector: formSelector}
	}

	def := &FormDefinition{FormSelector: formSelector, Method: "POST"}
	if action, err := form.Attribute("action"); err == nil && action != nil {
		def.Action = *action
	}
	if method, err := form.Attribute("method"); err == nil && method != nil && *method != "" {
		def.Method = strings.ToUpper(*method)
	}

	inputs, err := page.Timeout(timeout).Elements(
		formSelector + " input, " + formSelector + " select, " + formSelector + " textarea")
	if err == nil {
		for _, inp := range inputs {
			name, err := inp.Attribute("name")
			if err != nil || name == nil || *name == "" {
				continue
			}
			fieldType := "text"
			if t, err := inp.Attribute("type"); err == nil && t != nil && *t != "" {
				fieldType = *t
			}
			label := ""
			if p, err := inp.Attribute("placeholder"); err == nil && p != nil {
				label = *p
			} else if a, err := inp.Attribute("aria-label"); err == nil && a != nil {
				label = *a
			}
			def.Fields = append(def.Fields, FormField{
				Selector: fmt.Sprintf("[name=%q]", *name),
				Type:     fieldType,
				Label:    label,
			})
		}
	}

	submit, err := page.Timeout(timeout).Element(
		formSelector + ` button[type="submit"], ` + formSelector + ` input[type="submit"], ` + formSelector + ` button:not([type])`)
	if err == nil && submit != nil {
		if id, err := submit.Attribute("id"); err == nil && id != nil && *id != "" {
			def.SubmitSelector = "#" + *id
		} else {
			def.SubmitSelector = formSelector + ` [type="submit"]`
		}
	}
	return def, nil
}
