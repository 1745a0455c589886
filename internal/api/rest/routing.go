package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/configserver/internal/cluster"
	"github.com/arohanajit/configserver/internal/metrics"
	"github.com/arohanajit/configserver/internal/tenant"
)

const (
	defaultMaxPayload     = 10 * 1024 * 1024
	defaultRequestTimeout = 10 * time.Second
)

// RouterConfig collects what the HTTP surface serves
type RouterConfig struct {
	Protocol       *cluster.Protocol
	Manager        Manager
	Signer         *cluster.Signer
	Tenants        *tenant.Manager
	MaxPayloadSize int64
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewRouter registers every route with the shared middleware chain
func NewRouter(cfg RouterConfig) *mux.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	metrics.RegisterMetricsHandler(r)

	NewClusterHandler(cfg.Protocol, cfg.Manager, cfg.Signer, cfg.MaxPayloadSize, cfg.Logger).RegisterRoutes(r)
	NewConfigHandler(cfg.Tenants, cfg.MaxPayloadSize, cfg.Logger).RegisterRoutes(r)

	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(metrics.MetricsMiddleware)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth handles health check requests
func handleHealth(w http.ResponseWriter, req *http.Request) {
	response := struct {
		Status string `json:"status"`
	}{
		Status: "ok",
	}
	writeJSON(w, http.StatusOK, response)
}
