package server

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/convoshq/agentpool/internal/pool"
)

// NewServer starts a standalone HTTP server on addr using this router. A
// non-nil tlsConfig upgrades it to HTTPS. The returned server is already
// listening; callers shut it down via http.Server's Shutdown or Close.
func NewServer(addr string, mgr *pool.Manager, opts Options, tlsConfig *tls.Config) *http.Server {
	r := NewRouter(mgr, opts)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if tlsConfig != nil {
			_ = srv.ListenAndServeTLS("", "")
		} else {
			_ = srv.ListenAndServe()
		}
	}()
	return srv
}
