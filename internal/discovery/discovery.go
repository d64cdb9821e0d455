// Package discovery finds data broker listings via search engine results.
// Queries are built from a person's name and location, SERP links are
// extracted, and each result is classified with domain/URL/keyword signals.
package discovery

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// KnownBrokerDomains are the domains the classifier treats as confirmed data
// brokers.
var KnownBrokerDomains = map[string]bool{
	"spokeo.com": true, "beenverified.com": true, "intelius.com": true,
	"whitepages.com": true, "truepeoplesearch.com": true, "fastpeoplesearch.com": true,
	"peoplefinder.com": true, "familytreenow.com": true, "radaris.com": true,
	"acxiom.com": true, "mylife.com": true, "peekyou.com": true,
	"zabasearch.com": true, "pipl.com": true, "thatsthem.com": true,
	"ussearch.com": true, "instantcheckmate.com": true, "truthfinder.com": true,
	"clustrmaps.com": true, "nuwber.com": true, "publicrecordsnow.com": true,
	"cyberbackgroundchecks.com": true, "neighborwho.com": true, "addresses.com": true,
	"advancedbackgroundchecks.com": true, "anywho.com": true, "checkpeople.com": true,
	"publicdatacheck.com": true, "usphonebook.com": true, "voterrecords.com": true,
}

var profileURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/people/[A-Z]`),
	regexp.MustCompile(`(?i)/name/`),
	regexp.MustCompile(`(?i)/person/`),
	regexp.MustCompile(`(?i)/profile/`),
	regexp.MustCompile(`(?i)/search\?.*name=`),
	regexp.MustCompile(`/[A-Z][a-z]+-[A-Z][a-z]+/`),
}

var peopleSearchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)phone\s*(number|#)`),
	regexp.MustCompile(`(?i)address(es)?.*history`),
	regexp.MustCompile(`(?i)background\s*check`),
	regexp.MustCompile(`(?i)public\s*records?`),
	regexp.MustCompile(`(?i)people\s*search`),
	regexp.MustCompile(`(?i)find\s*(people|person|anyone)`),
	regexp.MustCompile(`(?i)age\s*\d{2}`),
	regexp.MustCompile(`(?i)relatives|associates`),
	regexp.MustCompile(`(?i)opt[\s-]*out`),
	regexp.MustCompile(`(?i)remove\s*(my|your)?\s*(info|information|listing|data)`),
}

// SearchResult is one raw SERP entry.
type SearchResult struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Position int    `json:"position"`
}

// ClassifiedResult is a search result with broker classification attached.
type ClassifiedResult struct {
	SearchResult
	Domain        string   `json:"domain"`
	IsKnownBroker bool     `json:"is_known_broker"`
	IsLikelyBroker bool    `json:"is_likely_broker"`
	Confidence    float64  `json:"confidence"`
	Signals       []string `json:"signals"`
}

// BuildQueries returns the query variations used to discover listings for a
// person.
func BuildQueries(fullName, city, state string) []string {
	name := strings.TrimSpace(fullName)
	if name == "" {
		return nil
	}

	var queries []string
	queries = append(queries, fmt.Sprintf("%q", name))

	var locationParts []string
	if c := strings.TrimSpace(city); c != "" {
		locationParts = append(locationParts, c)
	}
	if s := strings.TrimSpace(state); s != "" {
		locationParts = append(locationParts, s)
	}
	location := strings.Join(locationParts, ", ")

	if location != "" {
		queries = append(queries, fmt.Sprintf("%q %s", name, location))
	}
	queries = append(queries,
		fmt.Sprintf("%q public records", name),
		fmt.Sprintf("%q people search", name))
	if location != "" {
		queries = append(queries, fmt.Sprintf("%q %s address phone", name, location))
	}
	return queries
}

// BuildSearchURL builds a SERP URL for google (default) or bing.
func BuildSearchURL(query, engine string, start int) string {
	encoded := url.QueryEscape(query)
	if engine == "bing" {
		u := "https://www.bing.com/search?q=" + encoded
		if start > 0 {
			u += fmt.Sprintf("&first=%d", start+1)
		}
		return u
	}
	u := "https://www.google.com/search?q=" + encoded + "&num=20"
	if start > 0 {
		u += fmt.Sprintf("&start=%d", start)
	}
	return u
}

// ExtractDomain returns the lowercased hostname without a www. prefix.
func ExtractDomain(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// Classify scores one search result. Known broker domains are the strongest
// signal (0.7); a profile-shaped URL adds 0.15; up to three keyword hits in
// title/snippet add 0.1 each. Results at or above 0.3 are likely brokers.
func Classify(r SearchResult) ClassifiedResult {
	domain := ExtractDomain(r.URL)
	var signals []string
	score := 0.0

	known := KnownBrokerDomains[domain]
	if known {
		signals = append(signals, "known_broker_domain:"+domain)
		score += 0.7
	}

	for _, p := range profileURLPatterns {
		if p.MatchString(r.URL) {
			signals = append(signals, "profile_url_pattern:"+p.String())
			score += 0.15
			break
		}
	}

	text := r.Title + " " + r.Snippet
	hits := 0
	for _, p := range peopleSearchPatterns {
		if p.MatchString(text) {
			signals = append(signals, "text_pattern:"+p.String())
			hits++
			if hits >= 3 {
				break
			}
		}
	}
	score += min(float64(hits)*0.1, 0.3)

	confidence := min(score, 1.0)
	return ClassifiedResult{
		SearchResult:   r,
		Domain:         domain,
		IsKnownBroker:  known,
		IsLikelyBroker: confidence >= 0.3,
		Confidence:     confidence,
		Signals:        signals,
	}
}

// FilterSERPLinks drops search engine internal links and deduplicates,
// turning raw anchor (href, text) pairs into positioned results.
func FilterSERPLinks(links []struct{ Href, Text string }) []SearchResult {
	var results []SearchResult
	seen := map[string]bool{}
	position := 0

	for _, link := range links {
		u := link.Href
		if !strings.HasPrefix(u, "http") {
			continue
		}
		domain := ExtractDomain(u)
		switch domain {
		case "google.com", "bing.com", "google.co.uk", "webcache.googleusercontent.com":
			continue
		}
		if strings.Contains(u, "/search?") || strings.Contains(u, "/images/") || strings.Contains(u, "/maps/") {
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true

		position++
		title := link.Text
		if len(title) > 200 {
			title = title[:200]
		}
		results = append(results, SearchResult{URL: u, Title: title, Position: position})
	}
	return results
}

// DiscoverBrokers classifies results and returns likely brokers, highest
// confidence first.
func DiscoverBrokers(results []SearchResult) []ClassifiedResult {
	var likely []ClassifiedResult
	for _, r := range results {
		c := Classify(r)
		if c.IsLikelyBroker {
			likely = append(likely, c)
		}
	}
	sort.SliceStable(likely, func(i, j int) bool {
		if likely[i].Confidence != likely[j].Confidence {
			return likely[i].Confidence > likely[j].Confidence
		}
		return likely[i].Position < likely[j].Position
	})
	return likely
}
