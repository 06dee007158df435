package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/markdave123-py/contexta-rag/internal/core/jobqueue"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

// JobHandler accepts signed ingestion envelopes pushed by an external
// scheduler. The token is the only credential.
type JobHandler struct {
	signer *jobqueue.Signer
	handle jobqueue.Handler
	log    *logger.Logger
}

func NewJobHandler(signer *jobqueue.Signer, handle jobqueue.Handler, log *logger.Logger) *JobHandler {
	return &JobHandler{signer: signer, handle: handle, log: log.With("component", "JobHandler")}
}

type jobRequest struct {
	Token string `json:"token"`
}

func (h *JobHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "token is required"})
		return
	}
	job, err := h.signer.Verify(req.Token)
	if err != nil {
		h.log.Warn("Rejected job envelope", "error", err)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid job envelope"})
		return
	}
	job.Delivery++
	if err := h.handle(r.Context(), job); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}
