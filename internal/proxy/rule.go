package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"

	"github.com/angeloszaimis/devserver/config"
	"github.com/angeloszaimis/devserver/internal/upstream"
)

// Rule forwards requests whose path matches Pattern to a single upstream.
type Rule struct {
	Pattern      string
	Target       *url.URL
	ChangeOrigin bool
	Secure       bool
	WS           bool

	re          *regexp.Regexp
	rewriteFrom *regexp.Regexp
	rewriteTo   string
	origin      *url.URL
	upstream    *upstream.Upstream
	proxy       *httputil.ReverseProxy
	logger      *slog.Logger
}

type errorSinkKey struct{}

type responseHookKey struct{}

type errorSink struct {
	err error
}

// NewRule compiles a configured rule. Patterns starting with ^ are regular
// expressions tested against the request path; anything else is a plain
// path prefix.
func NewRule(cfg config.ProxyRule, pool *upstream.Pool, logger *slog.Logger) (*Rule, error) {
	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("proxy rule %q: parse target: %w", cfg.Pattern, err)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("proxy rule %q: target %q has no host", cfg.Pattern, cfg.Target)
	}

	r := &Rule{
		Pattern:      cfg.Pattern,
		Target:       target,
		ChangeOrigin: cfg.ChangeOrigin,
		Secure:       cfg.Secure,
		WS:           cfg.WS,
		upstream:     pool.Get(target),
		logger:       logger.With(slog.String("rule", cfg.Pattern)),
	}

	if strings.HasPrefix(cfg.Pattern, "^") {
		if r.re, err = regexp.Compile(cfg.Pattern); err != nil {
			return nil, fmt.Errorf("proxy rule %q: %w", cfg.Pattern, err)
		}
	}

	if cfg.Rewrite != nil {
		if r.rewriteFrom, err = regexp.Compile(cfg.Rewrite.From); err != nil {
			return nil, fmt.Errorf("proxy rule %q: rewrite: %w", cfg.Pattern, err)
		}
		r.rewriteTo = cfg.Rewrite.To
	}

	r.origin = upstream.HTTPOrigin(target)
	r.origin.Path = target.Path
	r.origin.RawPath = target.RawPath

	r.proxy = &httputil.ReverseProxy{
		Rewrite:        r.rewrite,
		Transport:      r.upstream.Transport(r.Secure),
		ModifyResponse: r.modifyResponse,
		ErrorHandler:   r.handleError,
	}

	return r, nil
}

// MatchesPath reports whether path falls under the rule's pattern.
func (r *Rule) MatchesPath(path string) bool {
	if r.re != nil {
		return r.re.MatchString(path)
	}
	return strings.HasPrefix(path, r.Pattern)
}

// Matches reports whether req should be forwarded by this rule. WebSocket
// upgrades only match rules with WS enabled.
func (r *Rule) Matches(req *http.Request) bool {
	if !r.MatchesPath(req.URL.Path) {
		return false
	}
	if IsWebSocketUpgrade(req) {
		return r.WS
	}
	return true
}

// Upstream returns the shared upstream this rule forwards to.
func (r *Rule) Upstream() *upstream.Upstream {
	return r.upstream
}

// Forward proxies req and returns the transport error, if any, after the
// 502 response has been written.
func (r *Rule) Forward(w http.ResponseWriter, req *http.Request) error {
	sink := &errorSink{}
	req = req.WithContext(context.WithValue(req.Context(), errorSinkKey{}, sink))
	r.proxy.ServeHTTP(w, req)
	return sink.err
}

func (r *Rule) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	_ = r.Forward(w, req)
}

// WithResponseHook returns a context under which Forward calls fn as soon
// as the upstream answers, before the body is copied or a 101 upgrade is
// turned into a tunnel.
func WithResponseHook(ctx context.Context, fn func(*http.Response)) context.Context {
	return context.WithValue(ctx, responseHookKey{}, fn)
}

func (r *Rule) modifyResponse(resp *http.Response) error {
	if resp.Request == nil {
		return nil
	}
	if fn, ok := resp.Request.Context().Value(responseHookKey{}).(func(*http.Response)); ok && fn != nil {
		fn(resp)
	}
	return nil
}

func (r *Rule) rewrite(pr *httputil.ProxyRequest) {
	if r.rewriteFrom != nil {
		path := r.rewriteFrom.ReplaceAllString(pr.In.URL.Path, r.rewriteTo)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		pr.Out.URL.Path = path
		pr.Out.URL.RawPath = ""
	}

	pr.SetURL(r.origin)
	pr.SetXForwarded()

	if !r.ChangeOrigin {
		pr.Out.Host = pr.In.Host
		return
	}

	pr.Out.Host = r.origin.Host
	if pr.Out.Header.Get("Origin") != "" {
		pr.Out.Header.Set("Origin", r.origin.Scheme+"://"+r.origin.Host)
	}
}

func (r *Rule) handleError(w http.ResponseWriter, req *http.Request, err error) {
	if sink, ok := req.Context().Value(errorSinkKey{}).(*errorSink); ok {
		sink.err = err
	}

	if req.Context().Err() != nil {
		r.logger.Debug("Client went away before upstream answered",
			slog.String("path", req.URL.Path))
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	r.logger.Warn("Upstream request failed",
		slog.String("upstream", r.upstream.Origin()),
		slog.String("path", req.URL.Path),
		slog.String("error", err.Error()))

	http.Error(w, "upstream unavailable: "+r.upstream.Origin(), http.StatusBadGateway)
}

// IsWebSocketUpgrade reports whether req asks to switch to the websocket
// protocol.
func IsWebSocketUpgrade(req *http.Request) bool {
	return headerHasToken(req.Header, "Connection", "upgrade") &&
		strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
