package api

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rcourtman/meterd/internal/gateway"
	"github.com/rcourtman/meterd/internal/logging"
)

// newUpstreamProxy forwards admitted /api/* requests to target. The license
// key never leaves meterd; the upstream sees the decision instead.
func newUpstreamProxy(target string) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", target)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			pr.Out.Header.Del(gateway.LicenseKeyHeader)
			q := pr.Out.URL.Query()
			if q.Has(gateway.LicenseKeyParam) {
				q.Del(gateway.LicenseKeyParam)
				pr.Out.URL.RawQuery = q.Encode()
			}
			if res, ok := gateway.ResultFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(gateway.DecisionHeader, string(res.Decision))
			}
		},
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.FromContext(r.Context()).Warn().Err(err).
				Str("path", r.URL.Path).
				Str("upstream", u.Host).
				Msg("Upstream request failed")
			writeErrorMessage(w, http.StatusBadGateway, "upstream_unavailable", "Upstream service unavailable")
		},
	}
	return proxy, nil
}
