package server

import (
	"net/http"
	"time"

	"github.com/aliskhannn/media-service/internal/config"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 60 * time.Second
)

// New creates the HTTP server. Read timeouts cover whole uploads, so they are
// longer than a plain API server would need.
func New(cfg config.Server, handler http.Handler) *http.Server {
	read, write := cfg.ReadTimeout, cfg.WriteTimeout
	if read <= 0 {
		read = defaultReadTimeout
	}
	if write <= 0 {
		write = defaultWriteTimeout
	}

	return &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           handler,
		ReadTimeout:       read,
		WriteTimeout:      write,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
