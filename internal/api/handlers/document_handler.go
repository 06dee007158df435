package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	middleware "github.com/markdave123-py/contexta-rag/internal/api/middlewares"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
	"github.com/markdave123-py/contexta-rag/internal/services"
)

// multipartSlack covers the form boundaries and headers around the file part.
const multipartSlack = 1 << 20

type DocumentHandler struct {
	docs     *services.DocumentService
	maxBytes int64
	log      *logger.Logger
}

func NewDocumentHandler(docs *services.DocumentService, maxBytes int64, log *logger.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, maxBytes: maxBytes, log: log.With("component", "DocumentHandler")}
}

// UploadDocument accepts a multipart "file" part and submits it for ingestion.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "upload exceeds the size limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid multipart form"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing file part"})
		return
	}
	defer file.Close()

	// One byte over the limit is enough for the service to reject it.
	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "could not read file"})
		return
	}

	doc, err := h.docs.Upload(r.Context(), services.UploadInput{
		UserID:    userID,
		FileName:  header.Filename,
		MediaType: header.Header.Get("Content-Type"),
		Data:      data,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}
	docs, err := h.docs.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	h.withDocument(w, r, func(userID, id string) (any, error) {
		return h.docs.Get(r.Context(), userID, id)
	})
}

func (h *DocumentHandler) RetryDocument(w http.ResponseWriter, r *http.Request) {
	h.withDocument(w, r, func(userID, id string) (any, error) {
		return h.docs.Retry(r.Context(), userID, id)
	})
}

func (h *DocumentHandler) CancelDocument(w http.ResponseWriter, r *http.Request) {
	h.withDocument(w, r, func(userID, id string) (any, error) {
		return h.docs.Cancel(r.Context(), userID, id)
	})
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}
	if err := h.docs.Delete(r.Context(), userID, chi.URLParam(r, "documentID")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) AssociateDocument(w http.ResponseWriter, r *http.Request) {
	h.association(w, r, h.docs.Associate)
}

func (h *DocumentHandler) DissociateDocument(w http.ResponseWriter, r *http.Request) {
	h.association(w, r, h.docs.Dissociate)
}

func (h *DocumentHandler) ListScopeDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.docs.ListScope(r.Context(), chi.URLParam(r, "scopeID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *DocumentHandler) withDocument(w http.ResponseWriter, r *http.Request, fn func(userID, id string) (any, error)) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}
	out, err := fn(userID, chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DocumentHandler) association(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID, scopeID, documentID string) error) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}
	if err := fn(r.Context(), userID, chi.URLParam(r, "scopeID"), chi.URLParam(r, "documentID")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
