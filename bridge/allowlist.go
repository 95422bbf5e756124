package bridge

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/tailored-agentic-units/sysend/observability"
)

// AllowList holds the origins a peer exchanges bridge traffic with. An
// empty list accepts every origin and warns once.
type AllowList struct {
	mu      sync.RWMutex
	origins map[string]struct{}

	warnings *observability.Once
	peer     string
}

func NewAllowList(warnings *observability.Once, peer string) *AllowList {
	if warnings == nil {
		warnings = observability.NewOnce(nil)
	}
	return &AllowList{
		origins:  make(map[string]struct{}),
		warnings: warnings,
		peer:     peer,
	}
}

// Set replaces the list. Every origin must parse; on error the list is
// left unchanged.
func (a *AllowList) Set(origins ...string) error {
	parsed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		origin, err := ParseOrigin(o)
		if err != nil {
			return err
		}
		parsed[origin] = struct{}{}
	}

	a.mu.Lock()
	a.origins = parsed
	a.mu.Unlock()
	return nil
}

func (a *AllowList) Origins() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.origins))
	for o := range a.origins {
		out = append(out, o)
	}
	return out
}

// Allows reports whether origin may exchange bridge traffic. Unparseable
// origins are refused unless the list is empty.
func (a *AllowList) Allows(ctx context.Context, origin string) bool {
	a.mu.RLock()
	n := len(a.origins)
	a.mu.RUnlock()

	if n == 0 {
		a.warnings.Warn(ctx, EventOpenAllowList, "bridge", a.peer,
			"no bridge origins configured; accepting every origin")
		return true
	}

	normalized, err := ParseOrigin(origin)
	if err != nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.origins[normalized]
	return ok
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// ParseOrigin normalizes s to scheme://host[:port]. Paths are ignored and
// default ports dropped, so a full URL yields the origin it belongs to.
func ParseOrigin(s string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidOrigin, s, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, s)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	if port == "" {
		return scheme + "://" + host, nil
	}
	return scheme + "://" + host + ":" + port, nil
}
