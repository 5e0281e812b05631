/*
Copyright 2025 Keymint

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package statserver exposes the cache engine's operational surface over
// HTTP: stats, disk info, cleanup and clear. It never serves key material.
package statserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/keymint/keyforge/keycache"
	"github.com/keymint/keyforge/srvtool"
)

type Config struct {
	Address string

	Cache *keycache.Engine
}

func Create(ctx context.Context, config *Config) (*http.Server, error) {
	statSrv := &http.Server{
		BaseContext: func(_ net.Listener) context.Context { return ctx },

		Addr:           config.Address,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 10 * 1024,

		ErrorLog: slog.NewLogLogger(logr.FromContextAsSlogLogger(ctx).Handler(), slog.LevelError),

		Handler: newServer(config.Cache),
	}

	statSrv.SetKeepAlivesEnabled(false)

	return statSrv, nil
}

func newServer(cache *keycache.Engine) *statServer {
	mux := http.NewServeMux()

	srv := &statServer{
		cache: cache,

		mux: mux,
	}

	mux.HandleFunc("GET /status", srvtool.JSONHandler(srv.handleStatusRequest))
	mux.HandleFunc("GET /cache/stats", srvtool.JSONHandler(srv.handleStatsRequest))
	mux.HandleFunc("GET /cache/info", srvtool.JSONHandler(srv.handleInfoRequest))
	mux.HandleFunc("POST /cache/cleanup", srvtool.JSONHandler(srv.handleCleanupRequest))
	mux.HandleFunc("POST /cache/clear", srvtool.JSONHandler(srv.handleClearRequest))

	return srv
}

type statServer struct {
	cache *keycache.Engine

	mux *http.ServeMux
}

func (ss *statServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srvtool.ServeHTTPWithLogs(ss.mux, w, r)
}

type statusMsg struct {
	Status string `json:"status"`
}

func (ss *statServer) handleStatusRequest(r *http.Request) srvtool.Response {
	return srvtool.Ok(statusMsg{
		Status: "OK",
	})
}

func (ss *statServer) handleStatsRequest(r *http.Request) srvtool.Response {
	return srvtool.Ok(ss.cache.Stats())
}

func (ss *statServer) handleInfoRequest(r *http.Request) srvtool.Response {
	return srvtool.Ok(ss.cache.DiskInfo())
}

type cleanupResponse struct {
	Removed int `json:"removed"`
}

func (ss *statServer) handleCleanupRequest(r *http.Request) srvtool.Response {
	return srvtool.Ok(cleanupResponse{
		Removed: ss.cache.CleanupExpired(),
	})
}

type clearResponse struct {
	Cleared bool `json:"cleared"`
}

func (ss *statServer) handleClearRequest(r *http.Request) srvtool.Response {
	logger := logr.FromContextAsSlogLogger(r.Context())

	if err := ss.cache.Clear(); err != nil {
		logger.Error("failed to clear cache", "err", err)
		return srvtool.Error(http.StatusInternalServerError, "failed to clear cache")
	}

	return srvtool.Ok(clearResponse{Cleared: true})
}
