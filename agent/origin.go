package agent

import (
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
)

// localOnly rejects requests whose Host is not a loopback name for the
// agent's port, and browser requests sent from any other origin. Together
// they keep web pages from reaching the agent through DNS rebinding or
// cross-site form posts.
func (a *Agent) localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.allowedHost(r.Host) {
			a.log.Warn("rejected request for foreign host", "host", r.Host, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "host not allowed")
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && !a.allowedOrigin(origin) {
			a.log.Warn("rejected cross-origin request", "origin", origin, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "cross-origin request rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedHost accepts localhost and loopback addresses, plus the configured
// listen host when it names a specific interface. With a configured
// address the port must match as well.
func (a *Agent) allowedHost(hostport string) bool {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, ""
	}
	host = strings.ToLower(strings.TrimSuffix(strings.Trim(host, "[]"), "."))
	if host == "" {
		return false
	}

	wantHost, wantPort, err := net.SplitHostPort(a.addr)
	if a.addr != "" && err == nil {
		switch {
		case port == wantPort:
		case port == "" && wantPort == "80":
		default:
			return false
		}
		if h := strings.ToLower(strings.Trim(wantHost, "[]")); h != "" && h == host && !isUnspecified(h) {
			return true
		}
	}

	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}

func (a *Agent) allowedOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return a.allowedHost(u.Host)
}

func isUnspecified(host string) bool {
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsUnspecified()
}
