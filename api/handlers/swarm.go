package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/api"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/pool"
	"github.com/BaSui01/swarmflow/stream"
	"github.com/BaSui01/swarmflow/swarm"
	"github.com/BaSui01/swarmflow/types"
)

// SwarmHandler serves the execution lifecycle endpoints and the event
// streams.
type SwarmHandler struct {
	registry *swarm.Registry
	pool     *pool.Manager
	hub      *stream.Hub
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewSwarmHandler creates the swarm handler. metrics may be nil.
func NewSwarmHandler(registry *swarm.Registry, poolMgr *pool.Manager, hub *stream.Hub, collector *metrics.Collector, logger *zap.Logger) *SwarmHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SwarmHandler{
		registry: registry,
		pool:     poolMgr,
		hub:      hub,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "swarm_handler")),
	}
}

// HandleStart starts a swarm execution.
//
//	POST /v1/swarm/executions
func (h *SwarmHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.StartSwarmRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	run, err := h.registry.Start(r.Context(), req.Task, req.Agents, req.MaxHandoffs)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	snapshot := run.Snapshot()
	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data: api.StartSwarmResponse{
			ExecutionID: snapshot.ID,
			Status:      snapshot.Status,
			CreatedAt:   snapshot.CreatedAt,
		},
		Timestamp: time.Now(),
	})
}

// HandleStatus returns an execution's current state.
//
//	GET /v1/swarm/executions/{id}
func (h *SwarmHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	resp := api.ExecutionStatusResponse{Execution: run.Snapshot()}
	// The pool forgets an execution once it finishes; the snapshot
	// alone is the answer then.
	if status, err := h.pool.ExecutionStatus(resp.Execution.ID); err == nil {
		resp.Pool = status
	}
	WriteSuccess(w, resp)
}

// HandleList lists known executions, newest first.
//
//	GET /v1/swarm/executions
func (h *SwarmHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	executions := h.registry.List()
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})
	WriteSuccess(w, api.ExecutionListResponse{
		Executions: executions,
		Count:      len(executions),
	})
}

// HandleStop cancels a live execution. ?force=true skips the drain
// grace period.
//
//	POST /v1/swarm/executions/{id}/stop
func (h *SwarmHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"

	if err := h.registry.Stop(r.Context(), id, force); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.StopSwarmResponse{ExecutionID: id, Stopping: true})
}

// HandleRemove garbage-collects a terminal execution and its replay
// cache.
//
//	DELETE /v1/swarm/executions/{id}
func (h *SwarmHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.Remove(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents streams an execution's events over SSE. Replay of the
// cached history is on by default; ?replay=false attaches live-only.
//
//	GET /v1/swarm/executions/{id}/events
func (h *SwarmHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.Get(id); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
			"streaming unsupported by connection", h.logger)
		return
	}

	withReplay := r.URL.Query().Get("replay") != "false"
	sub, replayed, err := h.hub.Attach(r.Context(), id, withReplay)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	defer h.hub.RemoveConsumer(sub)

	h.metrics.ConsumerAttached()
	defer h.metrics.ConsumerDetached()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Connection sentinel, outside the execution's sequence space.
	if !h.writeSSE(w, flusher, types.NewStreamEvent(id, types.EventConnected, "", nil)) {
		return
	}

	for _, event := range replayed {
		if !h.writeSSE(w, flusher, event) {
			return
		}
		if event.Type.Terminal() {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if !h.writeSSE(w, flusher, event) {
				return
			}
			if event.Type.Terminal() {
				return
			}
		}
	}
}

// writeSSE writes one event frame. Returns false when the client is
// gone.
func (h *SwarmHandler) writeSSE(w http.ResponseWriter, flusher http.Flusher, event types.StreamEvent) bool {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal stream event", zap.Error(err))
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// HandleEventsWS streams an execution's events over a WebSocket, one
// JSON message per event. Same replay semantics as the SSE endpoint.
//
//	GET /v1/swarm/executions/{id}/events/ws
func (h *SwarmHandler) HandleEventsWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.registry.Get(id); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	// CloseRead cancels the context when the client goes away.
	ctx := conn.CloseRead(r.Context())

	withReplay := r.URL.Query().Get("replay") != "false"
	sub, replayed, err := h.hub.Attach(ctx, id, withReplay)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "attach failed")
		return
	}
	defer h.hub.RemoveConsumer(sub)

	h.metrics.ConsumerAttached()
	defer h.metrics.ConsumerDetached()

	if err := wsjson.Write(ctx, conn, types.NewStreamEvent(id, types.EventConnected, "", nil)); err != nil {
		return
	}

	for _, event := range replayed {
		if err := wsjson.Write(ctx, conn, event); err != nil {
			return
		}
		if event.Type.Terminal() {
			conn.Close(websocket.StatusNormalClosure, "execution finished")
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
			if event.Type.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "execution finished")
				return
			}
		}
	}
}
