package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/matst80/websockify/internal/obs"
	"github.com/matst80/websockify/internal/server"
)

// newMetricsServer serves Prometheus metrics plus lightweight dashboard & state endpoints.
func newMetricsServer(addr string, reg *server.Registry) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           server.NewAdminRouter(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveMetrics never fails the process; relaying continues without the admin endpoints.
func serveMetrics(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": srv.Addr})
	}
	return nil
}
