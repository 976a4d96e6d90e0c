package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// originPolicy decides which browser origins may open a websocket.
type originPolicy struct {
	required bool
	allowed  []string
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(p.allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range p.allowed {
		switch {
		case a == "*":
			return nil
		case a == origin:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// patterns returns the host patterns websocket.Accept needs to authorize the
// same origins check allows. Accept matches against host:port, so every host
// is listed with and without a port wildcard.
func (p originPolicy) patterns() []string {
	hosts := lo.Uniq(lo.FilterMap(p.allowed, func(a string, _ int) (string, bool) {
		h := originHost(a)
		return h, h != "" && h != "*"
	}))
	slices.Sort(hosts)
	return lo.FlatMap(hosts, func(h string, _ int) []string {
		return []string{h, h + ":*"}
	})
}

func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}
