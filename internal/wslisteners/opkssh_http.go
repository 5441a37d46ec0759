package wslisteners

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/sshmux/sshmux/internal/opkssh"
)

// handleOPKCallback implements the OAuth callback bridge from spec §4.6:
// a requestId is resolved from the query, and the request is forwarded to
// the subprocess's local callback handler with a 10s timeout, ignoring
// the response status (the subprocess's stdout, not this response, is
// what advances the state machine).
func (l *Listeners) handleOPKCallback(w http.ResponseWriter, r *http.Request) {
	if l.OPK == nil {
		http.Error(w, "opkssh is not configured", http.StatusNotImplemented)
		return
	}

	requestID := r.URL.Query().Get("state")
	if requestID == "" {
		requestID = r.URL.Query().Get("requestId")
	}
	auth, ok := l.OPK.Lookup(requestID)
	if !ok {
		http.Error(w, "unknown or expired opkssh request", http.StatusNotFound)
		return
	}
	port, ok := auth.CallbackPort()
	if !ok {
		http.Error(w, "opkssh callback not yet ready", http.StatusServiceUnavailable)
		return
	}

	if err := opkssh.ForwardCallback(r.Context(), port, r.URL.RawQuery); err != nil {
		http.Error(w, fmt.Sprintf("opkssh callback bridge failed: %v", err), http.StatusBadGateway)
		return
	}
	fmt.Fprint(w, "authentication in progress, you may close this tab")
}

// handleOPKChooser reverse-proxies the subprocess's local provider-chooser
// page, per spec §6's "GET /ssh/opkssh-chooser/<requestId>".
func (l *Listeners) handleOPKChooser(w http.ResponseWriter, r *http.Request) {
	if l.OPK == nil {
		http.Error(w, "opkssh is not configured", http.StatusNotImplemented)
		return
	}

	requestID := chi.URLParam(r, "requestId")
	auth, ok := l.OPK.Lookup(requestID)
	if !ok {
		http.Error(w, "unknown or expired opkssh request", http.StatusNotFound)
		return
	}
	port, ok := auth.ChooserPort()
	if !ok {
		http.Error(w, "chooser not yet ready", http.StatusServiceUnavailable)
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", port)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ServeHTTP(w, r)
}
