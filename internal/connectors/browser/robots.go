package browser

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RobotsBlockedError marks a URL the site's robots.txt disallows for
// everyone; not transient.
type RobotsBlockedError struct {
	URL string
}

func (e *RobotsBlockedError) Error() string {
	return fmt.Sprintf("robots.txt disallows %s", e.URL)
}

// RobotsGate checks URLs against each host's robots.txt wildcard rules.
// Fetched files are cached per host; fetch failures allow the URL.
type RobotsGate struct {
	mu     sync.Mutex
	rules  map[string][]string // host -> disallowed path prefixes for User-agent: *
	client *http.Client
}

// NewRobotsGate builds a gate with a short fetch timeout.
func NewRobotsGate() *RobotsGate {
	return &RobotsGate{
		rules:  map[string][]string{},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Check returns a RobotsBlockedError when the URL's path is disallowed.
func (g *RobotsGate) Check(ctx context.Context, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil
	}

	disallowed, err := g.hostRules(ctx, parsed)
	if err != nil {
		return nil
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	for _, prefix := range disallowed {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return &RobotsBlockedError{URL: raw}
		}
	}
	return nil
}

func (g *RobotsGate) hostRules(ctx context.Context, u *url.URL) ([]string, error) {
	g.mu.Lock()
	cached, ok := g.rules[u.Host]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var disallowed []string
	if res.StatusCode == http.StatusOK {
		disallowed = parseRobots(res.Body)
	}

	g.mu.Lock()
	g.rules[u.Host] = disallowed
	g.mu.Unlock()
	return disallowed, nil
}

func parseRobots(r interface{ Read([]byte) (int, error) }) []string {
	var disallowed []string
	wildcard := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "user-agent:"):
			agent := strings.TrimSpace(line[len("user-agent:"):])
			wildcard = agent == "*"
		case wildcard && strings.HasPrefix(lower, "disallow:"):
			path := strings.TrimSpace(line[len("disallow:"):])
			if path != "" {
				disallowed = append(disallowed, path)
			}
		}
	}
	return disallowed
}
