package api

import (
	"net/http"

	"ms-dealroom/internal/models"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) StuckWorkflows(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Workflows.Stuck(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []models.WorkflowRun{}
	}
	h.respond(w, http.StatusOK, "Stuck workflow runs", runs)
}

type runView struct {
	*models.WorkflowRun
	Steps []models.WorkflowStep `json:"steps"`
}

func (h *Handler) RetryWorkflow(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := h.Workflows.Retry(r.Context(), runID); err != nil {
		h.fail(w, r, err)
		return
	}
	run, steps, err := h.Workflows.Get(r.Context(), runID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusAccepted, "Workflow run re-queued", runView{WorkflowRun: run, Steps: steps})
}
