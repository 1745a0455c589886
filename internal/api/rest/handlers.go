package rest

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/configserver/internal/storage"
	"github.com/arohanajit/configserver/internal/tenant"
)

// ConfigHandler serves tenant configuration documents
type ConfigHandler struct {
	tenants    *tenant.Manager
	maxPayload int64
	logger     *zap.Logger
}

// NewConfigHandler creates a new instance of ConfigHandler
func NewConfigHandler(tenants *tenant.Manager, maxPayload int64, logger *zap.Logger) *ConfigHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayload
	}
	return &ConfigHandler{tenants: tenants, maxPayload: maxPayload, logger: logger.Named("config-api")}
}

// RegisterRoutes registers configuration routes. The hash route is
// registered first, so "hash" cannot be addressed as an entity name.
func (h *ConfigHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/config", h.handleListTenants).Methods(http.MethodGet)
	r.HandleFunc("/api/config/{tenant}/hash", h.handleHash).Methods(http.MethodGet)
	r.HandleFunc("/api/config/{tenant}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/config/{tenant}/{entity}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/config/{tenant}/{entity}", h.handlePut).Methods(http.MethodPut)
}

func (h *ConfigHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound), errors.Is(err, storage.ErrEntityNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidJSON), errors.Is(err, storage.ErrEmptyEntity):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("Configuration request failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *ConfigHandler) handleListTenants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tenants.TenantIDs())
}

// handleGet returns an entity; without an entity the tenant's start entity
func (h *ConfigHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, err := h.tenants.Get(r.Context(), vars["tenant"], vars["entity"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handlePut replaces an entity. The write is a local change and will be
// replicated to the other nodes.
func (h *ConfigHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayload))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.tenants.Set(r.Context(), vars["tenant"], vars["entity"], data, false); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConfigHandler) handleHash(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	hash, err := h.tenants.GetDataHash(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenantId": tenantID, "hash": hash})
}
