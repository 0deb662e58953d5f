package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agrichain/native/common"
	"agrichain/services/transferd/recon"
)

// Server exposes the transfer operations over HTTP.
type Server struct {
	svc *recon.Service
	log *slog.Logger
}

// New constructs the HTTP surface over the reconciliation service.
func New(svc *recon.Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{svc: svc, log: log}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/transfers", s.initiate)
		api.Post("/transfers/{ref}/accept", s.accept)
		api.Post("/transfers/{ref}/cancel", s.cancel)
		api.Get("/transfers/{ref}", s.status)
	})
	return r
}

type initiateBody struct {
	ProductID string `json:"productId"`
	From      string `json:"from"`
	FromRole  string `json:"fromRole"`
	To        string `json:"to"`
	ToRole    string `json:"toRole"`
	Quantity  uint64 `json:"quantity"`
}

type callerBody struct {
	Caller string `json:"caller"`
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) initiate(w http.ResponseWriter, r *http.Request) {
	var body initiateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	view, err := s.svc.InitiateTransfer(r.Context(), recon.InitiateRequest{
		ProductID: body.ProductID,
		From:      body.From,
		FromRole:  body.FromRole,
		To:        body.To,
		ToRole:    body.ToRole,
		Quantity:  body.Quantity,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, statusFor(view, http.StatusCreated), view)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.svc.AcceptTransfer)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, s.svc.CancelTransfer)
}

type settleFunc func(ctx context.Context, ref uuid.UUID, caller string) (*recon.TransferView, error)

func (s *Server) settle(w http.ResponseWriter, r *http.Request, op settleFunc) {
	ref, err := uuid.Parse(chi.URLParam(r, "ref"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid transfer reference"})
		return
	}
	var body callerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(body.Caller) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "caller is required"})
		return
	}
	view, err := op(r.Context(), ref, body.Caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, statusFor(view, http.StatusOK), view)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ref, err := uuid.Parse(chi.URLParam(r, "ref"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid transfer reference"})
		return
	}
	view, err := s.svc.TransferStatus(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// statusFor downgrades the success code to 202 when the ledger outcome is
// still unknown and the transfer awaits a re-check.
func statusFor(view *recon.TransferView, ok int) int {
	if view != nil && view.Unresolved {
		return http.StatusAccepted
	}
	return ok
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recon.ErrTransferNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "transfer not found"})
	case errors.Is(err, recon.ErrStale):
		writeJSON(w, http.StatusConflict, errorBody{Error: "transfer state is stale; re-read and retry"})
	default:
		if reason, ok := common.ReasonOf(err); ok {
			status := http.StatusUnprocessableEntity
			switch reason {
			case common.ReasonInvalidArgument, common.ReasonInvalidQuantity, common.ReasonSelfTransfer:
				status = http.StatusBadRequest
			case common.ReasonNotFound:
				status = http.StatusNotFound
			}
			writeJSON(w, status, errorBody{Error: err.Error(), Reason: string(reason)})
			return
		}
		s.log.Error("request failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
