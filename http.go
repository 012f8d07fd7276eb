package ledgerxgo

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	actorHeader          = "actor"
	genericFailureReason = "transaction could not be completed"
)

var (
	statusOK = []byte(`{"status":"OK"}`)
)

type balanceJSONResp struct {
	Balance decimal.Decimal `json:"balance"`
}

type txnFailedJSONResp struct {
	TxnID  string `json:"txn_id"`
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
}

func NewHTTPHandler(svc Service, log *zerolog.Logger) http.Handler {
	hndlr := &httpHandler{
		Svc: svc,
		Log: log,
	}
	mux := chi.NewMux()
	mux.NotFound(HTTPNotFound)
	mux.Post("/sessions", hndlr.StartSession)
	mux.Route("/accounts", func(r chi.Router) {
		r.Route("/{number}", func(rr chi.Router) {
			rr.Post("/deposit", hndlr.Deposit)
			rr.Post("/withdraw", hndlr.Withdraw)
			rr.Post("/transfer", hndlr.Transfer)
			rr.Post("/close", hndlr.Close)
			rr.Get("/history", hndlr.History)
			rr.Get("/ministatement", hndlr.MiniStatement)
			rr.Get("/balance", hndlr.Balance)
			rr.Get("/statement", hndlr.Statement)
		})
	})

	return mux
}

type httpHandler struct {
	Svc Service
	Log *zerolog.Logger
}

// decode reads a JSON body into dst, writing the error response itself on
// failure.
func (h *httpHandler) decode(w http.ResponseWriter, r *http.Request, method string, dst any) bool {
	buf, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error reading HTTP request")
		WriteHTTPError(w, ErrInternalServer)
		return false
	}
	if err = json.Unmarshal(buf, dst); err != nil {
		h.Log.Err(err).Str("method", method).Msg("error unmarshalling JSON")
		WriteHTTPError(w, ErrInvalidRequest{Fields: map[string]string{"request body": "malformed JSON"}})
		return false
	}
	return true
}

func (h *httpHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req ChargeReq
	if !h.decode(w, r, "deposit", &req) {
		return
	}
	req.Number = chi.URLParam(r, "number")
	req.Actor = r.Header.Get(actorHeader)
	txn, err := h.Svc.Deposit(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, txn)
}

func (h *httpHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req ChargeReq
	if !h.decode(w, r, "withdraw", &req) {
		return
	}
	req.Number = chi.URLParam(r, "number")
	req.Actor = r.Header.Get(actorHeader)
	txn, err := h.Svc.Withdraw(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, txn)
}

func (h *httpHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferReq
	if !h.decode(w, r, "transfer", &req) {
		return
	}
	req.From = chi.URLParam(r, "number")
	req.Actor = r.Header.Get(actorHeader)
	txn, err := h.Svc.Transfer(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, txn)
}

func (h *httpHandler) History(w http.ResponseWriter, r *http.Request) {
	req := HistoryReq{
		Number: chi.URLParam(r, "number"),
		Actor:  r.Header.Get(actorHeader),
	}
	txns, err := h.Svc.History(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, txns)
}

func (h *httpHandler) MiniStatement(w http.ResponseWriter, r *http.Request) {
	req := HistoryReq{
		Number: chi.URLParam(r, "number"),
		Actor:  r.Header.Get(actorHeader),
	}
	txns, err := h.Svc.MiniStatement(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, txns)
}

func (h *httpHandler) Balance(w http.ResponseWriter, r *http.Request) {
	req := BalanceReq{
		Number: chi.URLParam(r, "number"),
		Actor:  r.Header.Get(actorHeader),
	}
	bal, err := h.Svc.Balance(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, balanceJSONResp{Balance: *bal})
}

// Statement buffers the document so a failure halfway through still gets a
// proper error response.
func (h *httpHandler) Statement(w http.ResponseWriter, r *http.Request) {
	req := StatementReq{
		Number: chi.URLParam(r, "number"),
		Actor:  r.Header.Get(actorHeader),
	}
	buf := new(bytes.Buffer)
	if err := h.Svc.Statement(r.Context(), buf, req); err != nil {
		WriteHTTPError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="statement-`+req.Number+`.pdf"`)
	if _, err := io.Copy(w, buf); err != nil {
		h.Log.Err(err).Str("method", "statement").Msg("error writing statement")
	}
}

func (h *httpHandler) Close(w http.ResponseWriter, r *http.Request) {
	req := CloseReq{
		Number: chi.URLParam(r, "number"),
		Actor:  r.Header.Get(actorHeader),
	}
	if err := h.Svc.Close(r.Context(), req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(statusOK); err != nil {
		h.Log.Err(err).Str("method", "close").Msg("error writing response")
	}
}

func (h *httpHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	req := SessionReq{Actor: r.Header.Get(actorHeader)}
	if err := h.Svc.StartSession(r.Context(), req); err != nil {
		WriteHTTPError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(statusOK); err != nil {
		h.Log.Err(err).Str("method", "session").Msg("error writing response")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

func WriteHTTPError(w http.ResponseWriter, err error) {
	var ne error
	defer func() {
		if ne != nil {
			log.Error().
				Err(ne).
				Msg("error response encoding failed")
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	var (
		errtf = &ErrTransactionFailed{}
		errnf = &ErrNotFound{}
		erran = &ErrAccountNotFound{}
		errua = &ErrUnauthorized{}
		errcl = &ErrAccountClosed{}
		errir = &ErrInvalidRequest{}
		erria = &ErrInvalidAmount{}
	)
	switch {
	case errors.As(err, errtf):
		resp := txnFailedJSONResp{
			TxnID:  errtf.TxnID.String(),
			Kind:   errtf.Kind,
			Reason: failureReason(errtf.Err),
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		ne = json.NewEncoder(w).Encode(resp)
	case errors.As(err, erran):
		w.WriteHeader(http.StatusNotFound)
		ne = json.NewEncoder(w).Encode(erran)
	case errors.As(err, errnf):
		w.WriteHeader(http.StatusNotFound)
		ne = json.NewEncoder(w).Encode(errnf)
	case errors.As(err, errua):
		w.WriteHeader(http.StatusForbidden)
		ne = json.NewEncoder(w).Encode(errua)
	case errors.As(err, errcl):
		w.WriteHeader(http.StatusConflict)
		ne = json.NewEncoder(w).Encode(errcl)
	case errors.As(err, errir):
		w.WriteHeader(http.StatusBadRequest)
		ne = json.NewEncoder(w).Encode(errir)
	case errors.As(err, erria):
		w.WriteHeader(http.StatusBadRequest)
		ne = json.NewEncoder(w).Encode(erria)
	case errors.Is(err, ErrOverloaded):
		w.WriteHeader(http.StatusServiceUnavailable)
		ne = json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
	default:
		w.WriteHeader(http.StatusInternalServerError)
		resp := map[string]string{
			"message": "server error",
		}
		ne = json.NewEncoder(w).Encode(resp)
	}
}

// failureReason only exposes causes the client can act on. Store and
// network faults are reported generically.
func failureReason(cause error) string {
	var (
		erria  = &ErrInvalidAmount{}
		errisf = &ErrInsufficientFunds{}
	)
	if errors.As(cause, erria) || errors.As(cause, errisf) {
		return cause.Error()
	}
	return genericFailureReason
}

func HTTPNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	resp := map[string]string{
		"path": r.URL.Path,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}
