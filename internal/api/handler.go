package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/fenrir/convoy/internal/bus"
	"github.com/fenrir/convoy/internal/ctxstore"
	"github.com/fenrir/convoy/internal/orchestrator"
	"github.com/fenrir/convoy/internal/registry"
	"github.com/fenrir/convoy/internal/task"
	"github.com/fenrir/convoy/internal/workflow"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *orchestrator.Orchestrator
	engine   *workflow.Engine
	registry *registry.Registry
	contexts *ctxstore.Store
	msgBus   *bus.Bus
	logger   *zap.Logger

	wfMu      sync.Mutex
	workflows map[string]*workflowState
}

// workflowState tracks one asynchronously executing workflow.
type workflowState struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Status    string           `json:"status"`
	Result    *workflow.Result `json:"result,omitempty"`
	StartedAt time.Time        `json:"started_at"`
}

// NewHandler creates a new API handler.
func NewHandler(
	orch *orchestrator.Orchestrator,
	engine *workflow.Engine,
	reg *registry.Registry,
	contexts *ctxstore.Store,
	msgBus *bus.Bus,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		orch:      orch,
		engine:    engine,
		registry:  reg,
		contexts:  contexts,
		msgBus:    msgBus,
		logger:    logger,
		workflows: make(map[string]*workflowState),
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.systemStatus)

		// Task routes
		r.Post("/tasks", h.submitTask)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Get("/tasks/{id}/result", h.getTaskResult)
		r.Get("/tasks/{id}/history", h.getTaskHistory)
		r.Post("/tasks/{id}/cancel", h.cancelTask)

		// Agent routes
		r.Get("/agents", h.listAgents)
		r.Delete("/agents/{name}", h.deregisterAgent)
		r.Get("/agents/{name}/messages", h.drainMessages)

		// Workflow routes
		r.Post("/workflows", h.submitWorkflow)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Post("/workflows/{id}/cancel", h.cancelWorkflow)

		// Context routes
		r.Post("/contexts", h.createContext)
		r.Get("/contexts", h.findContexts)
		r.Get("/contexts/{id}", h.getContext)
		r.Post("/contexts/{id}/merge", h.mergeContexts)
		r.Delete("/contexts/{id}", h.deleteContext)

		// Messaging routes
		r.Post("/messages", h.sendMessage)
		r.Post("/channels", h.createChannel)
		r.Post("/channels/{name}/join", h.joinChannel)
		r.Post("/channels/{name}/broadcast", h.broadcastMessage)
		r.Get("/channels/{name}/members", h.channelMembers)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "convoy"})
}

func (h *Handler) systemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Status())
}

// submitRequest is the POST /api/tasks body.
type submitRequest struct {
	ID             string         `json:"id,omitempty"`
	Kind           string         `json:"kind"`
	Description    string         `json:"description,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Agent          string         `json:"agent,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind is required"})
		return
	}

	opts := []task.Option{
		task.WithDescription(req.Description),
		task.WithPriority(req.Priority),
	}
	if req.ID != "" {
		opts = append(opts, task.WithID(req.ID))
	}
	if req.Params != nil {
		opts = append(opts, task.WithParams(req.Params))
	}
	if len(req.DependsOn) > 0 {
		opts = append(opts, task.WithDependencies(req.DependsOn...))
	}
	if req.Agent != "" {
		opts = append(opts, task.WithAgent(req.Agent))
	}
	if req.TimeoutSeconds > 0 {
		opts = append(opts, task.WithDeadline(time.Now().Add(time.Duration(req.TimeoutSeconds)*time.Second)))
	}

	id, err := h.orch.SubmitTask(task.New(req.Kind, opts...), req.ConversationID)
	if err != nil {
		writeJSON(w, taskErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": id})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.orch.ListTasks()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.orch.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) getTaskResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.orch.GetTaskResult(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if res == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "in_flight"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) getTaskHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.orch.GetTask(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.orch.History(id))
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.CancelTask(id); err != nil {
		writeJSON(w, taskErrStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.orch.DeregisterAgent(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent": name, "status": "deregistered"})
}

func (h *Handler) drainMessages(w http.ResponseWriter, r *http.Request) {
	msgs := h.msgBus.Drain(chi.URLParam(r, "name"))
	if msgs == nil {
		msgs = []*bus.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// workflowRequest is the POST /api/workflows body.
type workflowRequest struct {
	Name           string           `json:"name"`
	Phases         []workflow.Phase `json:"phases"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
}

func (h *Handler) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Name == "" || len(req.Phases) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and phases are required"})
		return
	}

	wf := workflow.NewWorkflow(req.Name, req.Phases...)
	if req.TimeoutSeconds > 0 {
		wf.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	state := &workflowState{ID: wf.ID, Name: wf.Name, Status: "running", StartedAt: time.Now()}
	h.wfMu.Lock()
	h.workflows[wf.ID] = state
	h.wfMu.Unlock()

	go func() {
		res, err := h.engine.Execute(context.Background(), wf, req.ConversationID)
		h.wfMu.Lock()
		defer h.wfMu.Unlock()
		if err != nil {
			state.Status = "failed"
			h.logger.Warn("workflow execution failed",
				zap.String("workflow_id", wf.ID), zap.Error(err))
			return
		}
		state.Result = res
		if res.Completed {
			state.Status = "completed"
		} else {
			state.Status = "failed"
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": wf.ID, "status": "running"})
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	h.wfMu.Lock()
	state, ok := h.workflows[chi.URLParam(r, "id")]
	var snapshot workflowState
	if ok {
		snapshot = *state
	}
	h.wfMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "status": "cancelling"})
}

// contextRequest is the POST /api/contexts body.
type contextRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

func (h *Handler) createContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ConversationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversation_id is required"})
		return
	}
	writeJSON(w, http.StatusCreated, h.contexts.Create(req.ConversationID, req.UserID))
}

func (h *Handler) findContexts(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	if user == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id query parameter is required"})
		return
	}
	writeJSON(w, http.StatusOK, h.contexts.FindByUser(user))
}

func (h *Handler) getContext(w http.ResponseWriter, r *http.Request) {
	c, err := h.contexts.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type mergeRequest struct {
	SourceID string `json:"source_id"`
}

func (h *Handler) mergeContexts(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "id")
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.contexts.Merge(target, req.SourceID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	c, err := h.contexts.Get(target)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) deleteContext(w http.ResponseWriter, r *http.Request) {
	h.contexts.Delete(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// messageRequest is the POST /api/messages body.
type messageRequest struct {
	From    string         `json:"from"`
	To      string         `json:"to"`
	Payload map[string]any `json:"payload"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := h.msgBus.Send(req.From, req.To, req.Payload)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, bus.ErrMessageTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message_id": id})
}

type channelRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.msgBus.CreateChannel(req.Name); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, bus.ErrChannelExists) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"channel": req.Name})
}

type joinRequest struct {
	Agent string `json:"agent"`
}

func (h *Handler) joinChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.msgBus.Join(name, req.Agent); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"channel": name, "agent": req.Agent})
}

type broadcastRequest struct {
	From    string         `json:"from"`
	Payload map[string]any `json:"payload"`
}

func (h *Handler) broadcastMessage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, delivered, err := h.msgBus.Broadcast(req.From, name, req.Payload)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, bus.ErrChannelNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message_id": id, "delivered": delivered})
}

func (h *Handler) channelMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.msgBus.Members(chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// taskErrStatus maps orchestration errors onto HTTP status codes.
func taskErrStatus(err error) int {
	if errors.Is(err, orchestrator.ErrTaskNotFound) {
		return http.StatusNotFound
	}
	var te *task.Error
	if errors.As(err, &te) {
		switch te.Kind {
		case task.ErrKindDuplicateTask, task.ErrKindConflict:
			return http.StatusConflict
		case task.ErrKindRouting:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
