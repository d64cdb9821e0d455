package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"erasured/internal/connectors/browser"
	"erasured/internal/connectors/email"
	"erasured/internal/connectors/httpx"
	"erasured/internal/discovery"
	"erasured/internal/identity"
	"erasured/internal/legal"
	"erasured/internal/store"
)

// maxInlineDelay is the longest wait.delay sleeps inline; longer delays
// return a deferred resume_at marker instead.
const maxInlineDelay = 300 * time.Second

func (r *Registry) httpRequest(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	method := str(input, "method")
	if method == "" {
		method = "GET"
	}
	url := str(input, "url")
	if url == "" {
		return nil, Fatal("http.request: url is required")
	}

	if exec.BrokerID != "" && r.deps.Limiter != nil {
		if err := r.deps.Limiter.Wait(ctx, exec.BrokerID); err != nil {
			return nil, WrapTransient(err, "rate limit wait")
		}
	}

	res, err := r.deps.HTTP.Request(ctx, method, url, strMap(input, "headers"), strMap(input, "params"), input["json"])
	if err != nil {
		var ssrf *httpx.SSRFError
		if asErr(err, &ssrf) {
			return nil, WrapFatal(err, "http.request refused")
		}
		return nil, WrapTransient(err, "http.request")
	}
	if res.StatusCode >= 400 {
		return nil, &Error{
			Message:    fmt.Sprintf("http.request: %s %s returned %d", method, url, res.StatusCode),
			Transient:  httpx.TransientStatus(res.StatusCode),
			StatusCode: res.StatusCode,
		}
	}

	out := map[string]any{
		"status_code": res.StatusCode,
		"headers":     res.Headers,
		"text":        res.Text,
	}
	if res.JSON != nil {
		out["json"] = res.JSON
	}
	return out, nil
}

func (r *Registry) scrapeStatic(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	html := str(input, "html")
	if html == "" {
		return nil, Fatal("scrape.static: html is required")
	}

	if selectors := strMap(input, "selectors"); len(selectors) > 0 {
		extracted, err := r.scrapeSelectors(html, selectors)
		if err != nil {
			return nil, err
		}
		return map[string]any{"extracted": extracted}, nil
	}
	page, err := r.scrapePage(html)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (r *Registry) scrapeRendered(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	if r.deps.Browser == nil {
		return nil, Fatal("scrape.rendered: browser is not configured")
	}
	url := str(input, "url")
	if url == "" {
		return nil, Fatal("scrape.rendered: url is required")
	}
	if r.deps.CheckRobots && r.deps.Robots != nil {
		if err := r.deps.Robots.Check(ctx, url); err != nil {
			return nil, WrapFatal(err, "scrape.rendered blocked")
		}
	}
	if exec.BrokerID != "" && r.deps.Limiter != nil {
		if err := r.deps.Limiter.Wait(ctx, exec.BrokerID); err != nil {
			return nil, WrapTransient(err, "rate limit wait")
		}
	}

	var actions []browser.Action
	if raw, ok := input["actions"].([]any); ok {
		for _, a := range raw {
			m, ok := a.(map[string]any)
			if !ok {
				continue
			}
			actions = append(actions, browser.Action{
				Type:     str(m, "type"),
				Selector: str(m, "selector"),
				Value:    str(m, "value"),
			})
		}
	}

	res, err := r.deps.Browser.Render(ctx, browser.RenderRequest{
		URL:        url,
		WaitFor:    str(input, "wait_for"),
		Actions:    actions,
		Screenshot: boolean(input, "screenshot"),
	})
	if err != nil {
		return nil, classifyBrowserError(err)
	}

	out := map[string]any{
		"url":       res.URL,
		"final_url": res.FinalURL,
		"title":     res.Title,
		"html":      res.HTML,
	}
	if len(res.ScreenshotPNG) > 0 && exec.Artifacts != nil {
		uri, err := exec.Artifacts.SaveBinary(ctx, "screenshot", "image/png", "png", res.ScreenshotPNG)
		if err != nil {
			r.deps.Logger.Warn("screenshot artifact write failed", zapError(err)...)
		} else {
			out["screenshot_uri"] = uri
		}
	}
	return out, nil
}

func (r *Registry) formSubmit(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	if r.deps.Browser == nil {
		return nil, Fatal("form.submit: browser is not configured")
	}
	url := str(input, "url")
	if url == "" {
		return nil, Fatal("form.submit: url is required")
	}
	if r.deps.CheckRobots && r.deps.Robots != nil {
		if err := r.deps.Robots.Check(ctx, url); err != nil {
			return nil, WrapFatal(err, "form.submit blocked")
		}
	}
	if exec.BrokerID != "" && r.deps.Limiter != nil {
		if err := r.deps.Limiter.Wait(ctx, exec.BrokerID); err != nil {
			return nil, WrapTransient(err, "rate limit wait")
		}
	}

	res, err := r.deps.Browser.SubmitForm(ctx, browser.SubmitRequest{
		URL:        url,
		FormHint:   str(input, "form_selector"),
		Values:     strMap(input, "values"),
		Screenshot: true,
	})
	if err != nil {
		return nil, classifyBrowserError(err)
	}

	out := map[string]any{
		"url":       res.URL,
		"final_url": res.FinalURL,
		"form":      res.Form,
	}
	if exec.Artifacts != nil {
		if len(res.BeforePNG) > 0 {
			if uri, err := exec.Artifacts.SaveBinary(ctx, "screenshot", "image/png", "png", res.BeforePNG); err == nil {
				out["screenshot_before_uri"] = uri
			}
		}
		if len(res.AfterPNG) > 0 {
			if uri, err := exec.Artifacts.SaveBinary(ctx, "screenshot", "image/png", "png", res.AfterPNG); err == nil {
				out["screenshot_after_uri"] = uri
			}
		}
		if res.ResponseText != "" {
			if uri, err := exec.Artifacts.SaveBinary(ctx, "html", "text/html", "html", []byte(res.ResponseText)); err == nil {
				out["response_html_uri"] = uri
			}
		}
	}
	return out, nil
}

func (r *Registry) emailSend(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	to := str(input, "to")
	if to == "" {
		return nil, Fatal("email.send: to is required")
	}
	if r.deps.Email == nil {
		return nil, Fatal("email.send: agent mailbox is not configured")
	}
	if err := r.deps.Email.Send(ctx, to, str(input, "subject"), str(input, "body")); err != nil {
		return nil, err
	}
	return map[string]any{
		"to":      to,
		"subject": str(input, "subject"),
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (r *Registry) emailCheck(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	if r.deps.Email == nil {
		return nil, Fatal("email.check: agent mailbox is not configured")
	}

	req := email.CheckRequest{
		From:         str(input, "from"),
		SubjectMatch: str(input, "subject_contains"),
	}
	if hours, ok := num(input, "since_hours"); ok && hours > 0 {
		req.Since = time.Now().Add(-time.Duration(hours * float64(time.Hour)))
	}
	if secs, ok := num(input, "deadline_seconds"); ok && secs > 0 {
		req.Deadline = time.Duration(secs * float64(time.Second))
	}

	msgs, err := r.deps.Email.Check(ctx, req)
	if err != nil {
		return nil, err
	}

	var urls []string
	list := make([]any, 0, len(msgs))
	for _, m := range msgs {
		urls = append(urls, m.URLs...)
		list = append(list, map[string]any{
			"from":    m.From,
			"subject": m.Subject,
			"date":    m.Date,
			"urls":    m.URLs,
		})
	}
	return map[string]any{
		"matched":  len(msgs),
		"messages": list,
		"urls":     urls,
	}, nil
}

func (r *Registry) emailClickVerify(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	url := str(input, "url")
	if url == "" {
		return nil, Fatal("email.click_verify: url is required")
	}
	out, err := r.scrapeRendered(ctx, exec, map[string]any{
		"url":        url,
		"wait_for":   str(input, "wait_for"),
		"screenshot": true,
	})
	if err != nil {
		return nil, err
	}
	out["verified_url"] = url
	return out, nil
}

func (r *Registry) matchIdentity(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	profile, err := r.loadProfile(ctx, exec, input)
	if err != nil {
		return nil, err
	}

	rawListings, _ := input["listings"].([]any)
	results := make([]any, 0, len(rawListings))
	for _, raw := range rawListings {
		listing, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		match := identity.HeuristicMatch(listing, profile)

		if match.NeedsLLMVerify && r.deps.LLM != nil {
			verdict, verr := r.llmVerifyMatch(ctx, listing, profile, match.Confidence)
			if verr != nil {
				r.deps.Logger.Warn("llm match verification failed", zapError(verr)...)
			} else if verdict != nil {
				match.Confidence = verdict.confidence
			}
		}

		if r.deps.Metrics != nil && exec.BrokerID != "" {
			r.deps.Metrics.MatchConfidence.WithLabelValues(exec.BrokerID).Observe(match.Confidence)
		}
		results = append(results, map[string]any{
			"listing":          match.Listing,
			"confidence":       match.Confidence,
			"matched_fields":   match.MatchedFields,
			"needs_llm_verify": match.NeedsLLMVerify,
		})
	}
	return map[string]any{"matches": results}, nil
}

type matchVerdict struct {
	confidence float64
}

func (r *Registry) llmVerifyMatch(ctx context.Context, listing, profile map[string]any, heuristic float64) (*matchVerdict, error) {
	redacted := map[string]any{
		"full_name":     profile["full_name"],
		"aliases":       profile["aliases"],
		"date_of_birth": profile["date_of_birth"],
	}
	listingJSON, _ := json.Marshal(listing)
	profileJSON, _ := json.Marshal(redacted)

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"is_match":   map[string]any{"type": "boolean"},
			"confidence": map[string]any{"type": "number"},
		},
		"required": []any{"is_match", "confidence"},
	}
	prompt := fmt.Sprintf(
		"Decide whether this people-search listing refers to the same person as the profile.\nListing: %s\nProfile: %s\nHeuristic confidence: %.2f\nRespond with JSON {\"is_match\": bool, \"confidence\": number}.",
		listingJSON, profileJSON, heuristic)

	doc, err := r.deps.LLM.GenerateJSON(ctx, "You are an identity resolution assistant.", prompt, schema)
	if err != nil {
		return nil, err
	}
	conf, ok := doc["confidence"].(float64)
	if !ok {
		return nil, nil
	}
	return &matchVerdict{confidence: conf}, nil
}

// Listing statuses advanced by broker.update_status.
var listingTransitions = map[string]bool{
	"found": true, "removal_requested": true, "removal_pending": true,
	"removed": true, "reappeared": true, "not_found": true,
}

func (r *Registry) brokerUpdateStatus(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	status := str(input, "status")
	if !listingTransitions[status] {
		return nil, Fatal("broker.update_status: invalid status %q", status)
	}
	brokerID := str(input, "broker_id")
	if brokerID == "" {
		brokerID = exec.BrokerID
	}
	if brokerID == "" {
		return nil, Fatal("broker.update_status: broker_id is required")
	}
	profileID := str(input, "profile_id")
	if profileID == "" {
		if s, ok := exec.Params["profile_id"].(string); ok {
			profileID = s
		}
	}

	now := time.Now().UTC()
	listingID := str(input, "listing_id")
	if listingID == "" {
		listingID = uuid.NewString()
	}
	confidence, _ := num(input, "confidence")

	listing := &store.Listing{
		ListingID:   listingID,
		BrokerID:    brokerID,
		ProfileID:   profileID,
		URL:         str(input, "url"),
		Status:      status,
		Confidence:  confidence,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if status == "removed" {
		listing.RemovedAt = &now
	}
	if broker, ok := r.deps.Catalog.Get(brokerID); ok {
		recheck := now.AddDate(0, 0, broker.RecheckDays)
		listing.RecheckAfter = &recheck
	}

	record := map[string]any{
		"listing_id": listingID,
		"broker_id":  brokerID,
		"profile_id": profileID,
		"status":     status,
		"updated_at": now.Format(time.RFC3339),
	}
	if listing.RecheckAfter != nil {
		record["recheck_after"] = listing.RecheckAfter.Format(time.RFC3339)
	}

	if r.deps.Store != nil {
		if err := r.deps.Store.UpsertListing(ctx, listing); err != nil {
			return nil, WrapFatal(err, "broker.update_status: persist listing")
		}
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.Listings.WithLabelValues(brokerID, status).Inc()
	}

	if method := str(input, "removal_method"); method != "" {
		result := str(input, "removal_result")
		if result == "" {
			result = "submitted"
		}
		action := &store.RemovalAction{
			ActionID:  uuid.NewString(),
			ListingID: listingID,
			RunID:     &exec.RunID,
			Method:    method,
			Result:    result,
			CreatedAt: now,
		}
		if detail := str(input, "removal_detail"); detail != "" {
			action.Detail = &detail
		}
		if r.deps.Store != nil {
			if err := r.deps.Store.InsertRemovalAction(ctx, action); err != nil {
				return nil, WrapFatal(err, "broker.update_status: persist removal action")
			}
		}
		if r.deps.Metrics != nil {
			r.deps.Metrics.Removals.WithLabelValues(brokerID, result).Inc()
		}
		record["removal_action"] = map[string]any{
			"action_id": action.ActionID,
			"method":    method,
			"result":    result,
		}
	}
	return record, nil
}

func (r *Registry) queueHumanAction(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	actionType := str(input, "action_type")
	if actionType == "" {
		return nil, Fatal("queue.human_action: action_type is required")
	}

	var payload *string
	if p := anyMap(input, "payload"); p != nil {
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, WrapFatal(err, "queue.human_action: encode payload")
		}
		s := string(encoded)
		payload = &s
	}

	brokerID := str(input, "broker_id")
	if brokerID == "" {
		brokerID = exec.BrokerID
	}

	item := &store.QueueItem{
		ItemID:       uuid.NewString(),
		RunID:        &exec.RunID,
		BrokerID:     brokerID,
		ActionType:   actionType,
		Instructions: str(input, "instructions"),
		PayloadJSON:  payload,
		Status:       "pending",
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.deps.Store.EnqueueHumanAction(ctx, item); err != nil {
		return nil, WrapFatal(err, "queue.human_action: enqueue")
	}
	if r.deps.Metrics != nil {
		if n, err := r.deps.Store.CountPendingQueue(ctx); err == nil {
			r.deps.Metrics.HumanQueue.Set(float64(n))
		}
	}
	return map[string]any{"queue_id": item.ItemID, "status": "queued"}, nil
}

func (r *Registry) captchaSolve(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	payload := map[string]any{}
	if ref := str(input, "screenshot_uri"); ref != "" {
		payload["screenshot_uri"] = ref
	}
	if u := str(input, "url"); u != "" {
		payload["url"] = u
	}
	instructions := str(input, "instructions")
	if instructions == "" {
		instructions = "Solve the CAPTCHA at the referenced page and continue the opt-out flow."
	}
	return r.queueHumanAction(ctx, exec, map[string]any{
		"action_type":  "captcha",
		"broker_id":    str(input, "broker_id"),
		"instructions": instructions,
		"payload":      payload,
	})
}

func (r *Registry) waitDelay(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	secs, _ := num(input, "seconds")
	if secs < 0 {
		secs = 0
	}
	d := time.Duration(secs * float64(time.Second))

	if d > maxInlineDelay {
		resumeAt := time.Now().UTC().Add(d)
		return map[string]any{
			"deferred":  true,
			"resume_at": resumeAt.Format(time.RFC3339),
		}, nil
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, WrapFatal(ctx.Err(), "wait.delay interrupted")
	}
	return map[string]any{"deferred": false, "slept_seconds": secs}, nil
}

func (r *Registry) llmJSON(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	prompt := str(input, "prompt")
	if prompt == "" {
		return nil, Fatal("llm.json: prompt is required")
	}
	doc, err := r.deps.LLM.GenerateJSON(ctx, str(input, "system"), prompt, anyMap(input, "schema"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": doc}, nil
}

func (r *Registry) legalGenerateRequest(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	templateID := str(input, "template")
	if templateID == "" {
		return nil, Fatal("legal.generate_request: template is required")
	}
	profile, err := r.loadProfile(ctx, exec, input)
	if err != nil {
		return nil, err
	}

	brokerName := str(input, "broker_name")
	if brokerName == "" && exec.BrokerID != "" {
		if b, ok := r.deps.Catalog.Get(exec.BrokerID); ok {
			brokerName = b.Name
		}
	}

	letter, err := legal.Render(templateID, profile, brokerName, str(input, "broker_address"))
	if err != nil {
		return nil, WrapFatal(err, "legal.generate_request")
	}

	body := letter.Body
	if boolean(input, "post_process") && r.deps.LLM != nil {
		schema := map[string]any{
			"type":       "object",
			"properties": map[string]any{"body": map[string]any{"type": "string"}},
			"required":   []any{"body"},
		}
		doc, err := r.deps.LLM.GenerateJSON(ctx,
			"You polish formal legal correspondence without changing its meaning.",
			"Improve the tone of this letter. Return JSON {\"body\": string}.\n\n"+body, schema)
		if err == nil {
			if polished, ok := doc["body"].(string); ok && polished != "" {
				body = polished
			}
		}
	}

	return map[string]any{
		"template_id":       letter.TemplateID,
		"subject":           letter.Subject,
		"body":              body,
		"recipient_name":    letter.RecipientName,
		"recipient_address": letter.RecipientAddress,
	}, nil
}

func (r *Registry) discoverSearchEngine(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	fullName := str(input, "full_name")
	city, state := str(input, "city"), str(input, "state")
	if fullName == "" {
		profile, err := r.loadProfile(ctx, exec, input)
		if err != nil {
			return nil, err
		}
		if s, ok := profile["full_name"].(string); ok {
			fullName = s
		}
	}
	if fullName == "" {
		return nil, Fatal("discover.search_engine: full_name is required")
	}

	engine := str(input, "engine")
	queries := discovery.BuildQueries(fullName, city, state)
	var allResults []discovery.SearchResult
	seen := map[string]bool{}

	for _, query := range queries {
		serpURL := discovery.BuildSearchURL(query, engine, 0)
		res, err := r.deps.HTTP.Request(ctx, "GET", serpURL, map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		}, nil, nil)
		if err != nil {
			return nil, WrapTransient(err, "discover.search_engine: fetch serp")
		}
		if res.StatusCode >= 400 {
			return nil, &Error{
				Message:    fmt.Sprintf("discover.search_engine: serp returned %d", res.StatusCode),
				Transient:  httpx.TransientStatus(res.StatusCode),
				StatusCode: res.StatusCode,
			}
		}

		links, err := r.serpLinks(res.Text)
		if err != nil {
			return nil, err
		}
		for _, link := range discovery.FilterSERPLinks(links) {
			if seen[link.URL] {
				continue
			}
			seen[link.URL] = true
			link.Position = len(allResults) + 1
			allResults = append(allResults, link)
		}
	}

	classified := discovery.DiscoverBrokers(allResults)
	out := make([]any, 0, len(classified))
	for _, c := range classified {
		out = append(out, map[string]any{
			"url":             c.URL,
			"title":           c.Title,
			"domain":          c.Domain,
			"is_known_broker": c.IsKnownBroker,
			"confidence":      c.Confidence,
			"signals":         c.Signals,
		})
	}
	return map[string]any{
		"queries":  queries,
		"scanned":  len(allResults),
		"listings": out,
	}, nil
}

func (r *Registry) loadProfile(ctx context.Context, exec *Exec, input map[string]any) (map[string]any, error) {
	profileID := str(input, "profile_id")
	if profileID == "" {
		if s, ok := exec.Params["profile_id"].(string); ok {
			profileID = s
		}
	}
	if profileID == "" {
		return nil, Fatal("profile_id is required")
	}
	if r.deps.Vault == nil {
		return nil, Fatal("pii vault is not configured")
	}

	p, err := r.deps.Store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, WrapFatal(err, "load profile "+profileID)
	}
	profile, err := r.deps.Vault.Open(sealedFromProfile(p))
	if err != nil {
		return nil, WrapFatal(err, "decrypt profile "+profileID)
	}
	return profile, nil
}

func classifyBrowserError(err error) error {
	var timeout *browser.TimeoutError
	if asErr(err, &timeout) {
		return WrapTransient(err, "browser timeout")
	}
	var selector *browser.SelectorNotFoundError
	if asErr(err, &selector) {
		return WrapFatal(err, "browser selector")
	}
	var robots *browser.RobotsBlockedError
	if asErr(err, &robots) {
		return WrapFatal(err, "robots blocked")
	}
	if strings.Contains(err.Error(), "net::") || strings.Contains(err.Error(), "connection") {
		return WrapTransient(err, "browser network")
	}
	return WrapTransient(err, "browser")
}
