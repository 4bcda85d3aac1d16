package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/draftea/order-saga/saga-coordinator/application"
	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SagaHandlers contains saga HTTP handlers
type SagaHandlers struct {
	startSaga *application.StartSaga
	getSaga   *application.GetSaga
}

// NewSagaHandlers creates new saga handlers
func NewSagaHandlers(
	startSaga *application.StartSaga,
	getSaga *application.GetSaga,
) *SagaHandlers {
	return &SagaHandlers{
		startSaga: startSaga,
		getSaga:   getSaga,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// StartSaga handles saga start requests. A repeated start for the same order
// answers 200 with the saga that already exists.
func (h *SagaHandlers) StartSaga(w http.ResponseWriter, r *http.Request) {
	var cmd application.StartSagaCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	response, err := h.startSaga.Execute(r.Context(), &cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if response.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, response)
}

// GetSaga handles saga retrieval requests
func (h *SagaHandlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaId")
	if sagaID == "" {
		writeError(w, http.StatusBadRequest, "saga ID is required")
		return
	}

	response, err := h.getSaga.Execute(r.Context(), &application.GetSagaQuery{SagaID: sagaID})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// RegisterRoutes registers saga routes
func (h *SagaHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/sagas", func(r chi.Router) {
		r.Post("/", h.StartSaga)
		r.Get("/{sagaId}", h.GetSaga)
	})
}

func (h *SagaHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, saga.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "saga not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.FromContext(r.Context()).Error("saga request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
