package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/configserver/internal/cluster"
)

const heartbeatRoute = cluster.HeartbeatPath

// Manager starts and stops managing the cluster
type Manager interface {
	StartManaging()
	StopManaging()
}

// ClusterHandler serves the peer protocol and the cluster management API
type ClusterHandler struct {
	protocol   *cluster.Protocol
	manager    Manager
	signer     *cluster.Signer
	maxPayload int64
	logger     *zap.Logger
}

// NewClusterHandler creates a new instance of ClusterHandler. A nil signer
// accepts unsigned heartbeats.
func NewClusterHandler(protocol *cluster.Protocol, manager Manager, signer *cluster.Signer, maxPayload int64, logger *zap.Logger) *ClusterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayload
	}
	return &ClusterHandler{
		protocol:   protocol,
		manager:    manager,
		signer:     signer,
		maxPayload: maxPayload,
		logger:     logger.Named("cluster-api"),
	}
}

// RegisterRoutes registers cluster routes
func (h *ClusterHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(heartbeatRoute, h.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/cluster/nodes", h.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/api/cluster/nodes/{nodeID}", h.handleGetNode).Methods(http.MethodGet)
	r.HandleFunc("/api/cluster/nodes/{nodeID}/enable", h.handleEnableNode).Methods(http.MethodPost)
	r.HandleFunc("/api/cluster/nodes/{nodeID}/disable", h.handleDisableNode).Methods(http.MethodPost)
	r.HandleFunc("/api/cluster/manage/start", h.handleStartManaging).Methods(http.MethodPost)
	r.HandleFunc("/api/cluster/manage/stop", h.handleStopManaging).Methods(http.MethodPost)
	r.HandleFunc("/api/cluster/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/cluster/log", h.handleLog).Methods(http.MethodGet)
}

func writeEnvelope(w http.ResponseWriter, status int, item *cluster.Message, msg string) {
	writeJSON(w, status, cluster.Envelope{Item: item, Error: msg})
}

// handleHeartbeat handles POST /api/cluster/heartbeat, the single endpoint
// of the peer protocol.
func (h *ClusterHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayload))
	if err != nil {
		writeEnvelope(w, http.StatusRequestEntityTooLarge, nil, "request body too large")
		return
	}

	issuer := ""
	if h.signer != nil {
		issuer, err = h.signer.Verify(r.Header.Get("Authorization"), body)
		if err != nil {
			h.logger.Warn("Rejected cluster request", zap.String("remote", r.RemoteAddr), zap.Error(err))
			writeEnvelope(w, http.StatusUnauthorized, nil, "unauthorized")
			return
		}
	}

	var req cluster.Message
	if err := json.Unmarshal(body, &req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, "invalid message")
		return
	}
	if issuer != "" && issuer != req.NodeID {
		h.logger.Warn("Token issuer does not match sender",
			zap.String("issuer", issuer), zap.String("sender", req.NodeID))
		writeEnvelope(w, http.StatusUnauthorized, nil, "unauthorized")
		return
	}

	writeEnvelope(w, http.StatusOK, h.protocol.HandleRequest(r.Context(), &req), "")
}

// handleListNodes handles GET /api/cluster/nodes requests
func (h *ClusterHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.protocol.Registry().ListNodes())
}

// handleGetNode handles GET /api/cluster/nodes/{nodeID} requests
func (h *ClusterHandler) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, ok := h.protocol.Registry().FindNode(mux.Vars(r)["nodeID"])
	if !ok {
		http.Error(w, cluster.ErrNodeNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *ClusterHandler) handleEnableNode(w http.ResponseWriter, r *http.Request) {
	h.changeNode(w, r, h.protocol.Registry().EnableNode)
}

func (h *ClusterHandler) handleDisableNode(w http.ResponseWriter, r *http.Request) {
	h.changeNode(w, r, h.protocol.Registry().DisableNode)
}

func (h *ClusterHandler) changeNode(w http.ResponseWriter, r *http.Request, change func(context.Context, string) error) {
	nodeID := mux.Vars(r)["nodeID"]
	if err := change(r.Context(), nodeID); err != nil {
		switch {
		case errors.Is(err, cluster.ErrNodeNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, cluster.ErrSelfNode):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			// the in-memory change is applied; only persisting it failed
			h.logger.Error("Failed to persist node state", zap.String("node", nodeID), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	node, _ := h.protocol.Registry().FindNode(nodeID)
	writeJSON(w, http.StatusOK, node)
}

func (h *ClusterHandler) handleStartManaging(w http.ResponseWriter, r *http.Request) {
	h.manager.StartManaging()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ClusterHandler) handleStopManaging(w http.ResponseWriter, r *http.Request) {
	h.manager.StopManaging()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ClusterHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.protocol.Status(r.Context()))
}

// handleLog handles GET /api/cluster/log?after=N requests
func (h *ClusterHandler) handleLog(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "after must be a non-negative integer", http.StatusBadRequest)
			return
		}
		after = n
	}
	writeJSON(w, http.StatusOK, h.protocol.Log().EntriesAfter(after))
}
