package proxy

import (
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/devserver/config"
	"github.com/angeloszaimis/devserver/internal/upstream"
)

// Router holds the proxy rules in configuration order. The first rule that
// matches a request wins.
type Router struct {
	rules []*Rule
}

func NewRouter(rules []config.ProxyRule, pool *upstream.Pool, logger *slog.Logger) (*Router, error) {
	router := &Router{rules: make([]*Rule, 0, len(rules))}

	for _, cfg := range rules {
		rule, err := NewRule(cfg, pool, logger)
		if err != nil {
			return nil, err
		}
		router.rules = append(router.rules, rule)
	}

	return router, nil
}

// Match returns the first rule that accepts req.
func (rt *Router) Match(req *http.Request) (*Rule, bool) {
	for _, rule := range rt.rules {
		if rule.Matches(req) {
			return rule, true
		}
	}
	return nil, false
}

func (rt *Router) Rules() []*Rule {
	return rt.rules
}

// Upstreams returns the distinct upstreams the rules forward to.
func (rt *Router) Upstreams() []*upstream.Upstream {
	seen := make(map[*upstream.Upstream]struct{}, len(rt.rules))
	var ups []*upstream.Upstream
	for _, rule := range rt.rules {
		u := rule.Upstream()
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		ups = append(ups, u)
	}
	return ups
}
