package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/engine"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/humaninput"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/store"
)

// ExecutionHandler exposes run control for executions: submission,
// cancellation, human-input delivery, and inspection.
type ExecutionHandler struct {
	store     store.ExecutionStore
	scheduler *engine.Scheduler
	gate      *humaninput.Gate
	logger    *zap.Logger
}

// NewExecutionHandler wires the handler. gate may be nil when the deployment
// runs without a key-value store; human-input submission then returns 503.
func NewExecutionHandler(st store.ExecutionStore, scheduler *engine.Scheduler, gate *humaninput.Gate, logger *zap.Logger) *ExecutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionHandler{
		store:     st,
		scheduler: scheduler,
		gate:      gate,
		logger:    logger.With(zap.String("component", "execution_handler")),
	}
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
	JobID       string `json:"job_id"`
}

// HandleSubmit enqueues the engine run for a previously created execution.
// POST /api/executions/{id}/submit
func (h *ExecutionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "execution id is required")
		return
	}

	jobID, err := h.scheduler.Submit(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	h.logger.Info("execution submitted",
		zap.String("execution_id", id),
		zap.String("job_id", jobID))
	WriteSuccess(w, submitResponse{ExecutionID: id, JobID: jobID})
}

// HandleCancel revokes the execution's background job and marks it CANCELLED.
// POST /api/executions/{id}/cancel
func (h *ExecutionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "execution id is required")
		return
	}

	if err := h.scheduler.Cancel(r.Context(), id); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	h.logger.Info("execution cancelled", zap.String("execution_id", id))
	WriteSuccess(w, map[string]string{"execution_id": id, "status": string(crew.StatusCancelled)})
}

type humanInputRequest struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// HandleHumanInput writes the response slot a waiting execution polls on.
// Safe to call with no request pending; the gate logs and ignores it.
// POST /api/executions/{id}/human-input
func (h *ExecutionHandler) HandleHumanInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "execution id is required")
		return
	}
	if h.gate == nil {
		WriteError(w, http.StatusServiceUnavailable, CodeInternal, "human input is not available")
		return
	}

	var req humanInputRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "text is required")
		return
	}

	if err := h.gate.SubmitResponse(r.Context(), id, req.Key, req.Text); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	WriteSuccess(w, map[string]string{"execution_id": id, "status": "accepted"})
}

type executionDetail struct {
	Execution *crew.Execution        `json:"execution"`
	Stages    []*crew.ExecutionStage `json:"stages"`
	Output    *crew.CrewOutput       `json:"output,omitempty"`
}

// HandleGet returns the execution record with its full stage log and, when
// the run completed, the crew output.
// GET /api/executions/{id}
func (h *ExecutionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "execution id is required")
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	stages, err := h.store.ListStages(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	detail := executionDetail{Execution: exec, Stages: stages}
	if exec.Status == crew.StatusCompleted {
		// Output absence on a completed run is unexpected but not fatal to
		// the read path.
		if out, err := h.store.GetCrewOutput(r.Context(), id); err == nil {
			detail.Output = out
		}
	}

	WriteSuccess(w, detail)
}
