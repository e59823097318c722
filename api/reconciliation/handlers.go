package reconciliation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vskavo/hadda-erp-sub001/api"
	"github.com/vskavo/hadda-erp-sub001/internal/validation"
)

// NewRouter wires the reconciliation HTTP surface over the engine.
func NewRouter(engine *Engine) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/reconciliation/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("Reconciliation Service OK"))
	}).Methods("GET")
	r.HandleFunc("/reconciliation/sessions", OpenSessionHandler(engine)).Methods("POST")
	r.HandleFunc("/reconciliation/sessions", ListSessionsHandler(engine)).Methods("GET")
	r.HandleFunc("/reconciliation/sessions/{id}", GetSessionHandler(engine)).Methods("GET")
	r.HandleFunc("/reconciliation/sessions/{id}", UpdateSessionHandler(engine)).Methods("PUT")
	r.HandleFunc("/reconciliation/sessions/{id}/items", AddLineItemHandler(engine)).Methods("POST")
	r.HandleFunc("/reconciliation/sessions/{id}/items/{itemID}", ToggleLineItemHandler(engine)).Methods("PUT")
	r.HandleFunc("/reconciliation/sessions/{id}/finalize", FinalizeSessionHandler(engine)).Methods("POST")
	r.HandleFunc("/reconciliation/sessions/{id}/void", VoidSessionHandler(engine)).Methods("POST")
	r.HandleFunc("/reconciliation/statistics", StatisticsHandler(engine)).Methods("GET")
	return r
}

func respondEngineError(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		api.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch e.Kind {
	case ErrNotFound:
		status = http.StatusNotFound
	case ErrConflict:
		status = http.StatusConflict
	case ErrInvalidState:
		status = http.StatusUnprocessableEntity
	case ErrValidation:
		status = http.StatusBadRequest
	}
	body := map[string]interface{}{
		"success": false,
		"kind":    e.Kind,
		"error":   e.Message,
	}
	if e.BlockingSessionID != "" {
		body["blocking_session_id"] = e.BlockingSessionID
	}
	if e.Difference != nil {
		body["difference"] = e.Difference
	}
	api.RespondWithJSON(w, status, body)
}

func OpenSessionHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID         string      `json:"user_id"`
			AccountID      string      `json:"account_id"`
			PeriodStart    string      `json:"period_start,omitempty"`
			PeriodEnd      string      `json:"period_end,omitempty"`
			OpeningBalance json.Number `json:"opening_balance,omitempty"`
			BankBalance    json.Number `json:"bank_balance,omitempty"`
			Notes          string      `json:"notes,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
		params := OpenSessionParams{
			AccountID: req.AccountID,
			Notes:     req.Notes,
			OpenedBy:  req.UserID,
		}
		var err error
		if params.PeriodStart, err = validation.ParseOptionalDate("period_start", req.PeriodStart); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if params.PeriodEnd, err = validation.ParseOptionalDate("period_end", req.PeriodEnd); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if params.OpeningBalance, err = validation.ParseOptionalAmount("opening_balance", req.OpeningBalance); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if params.BankBalance, err = validation.ParseOptionalAmount("bank_balance", req.BankBalance); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		session, err := engine.OpenSession(r.Context(), params)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		api.RespondWithJSON(w, http.StatusCreated, map[string]interface{}{
			"success":        true,
			"reconciliation": session,
		})
	}
}

func GetSessionHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := engine.GetSession(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			respondEngineError(w, err)
			return
		}
		api.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":        true,
			"reconciliation": session,
		})
	}
}

func ListSessionsHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := SessionFilter{
			AccountID: q.Get("account_id"),
			Status:    Status(q.Get("status")),
			SortField: q.Get("sort"),
			SortDir:   q.Get("dir"),
		}
		var err error
		if f.From, err = validation.ParseOptionalDate("from", q.Get("from")); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if f.To, err = validation.ParseOptionalDate("to", q.Get("to")); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Page, _ = strconv.Atoi(q.Get("page"))
		f.PageSize, _ = strconv.Atoi(q.Get("page_size"))
		page, err := engine.ListSessions(r.Context(), f)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		api.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"total":     page.Total,
			"page":      page.Page,
			"page_size": page.PageSize,
			"items":     page.Items,
		})
	}
}

func UpdateSessionHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PeriodStart    string      `json:"period_start,omitempty"`
			PeriodEnd      string      `json:"period_end,omitempty"`
			OpeningBalance json.Number `json:"opening_balance,omitempty"`
			BankBalance    json.Number `json:"bank_balance,omitempty"`
			Notes          *string     `json:"notes,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
		params := UpdateSessionParams{Notes: req.Notes}
		var err error
		if params.PeriodStart, err = validation.ParseOptionalDate("period_start", req.PeriodStart); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if params.PeriodEnd, err = validation.ParseOptionalDate("period_end", req.PeriodEnd); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if params.OpeningBalance, err = validation.ParseOptionalAmount("opening_balance", req.OpeningBalance); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if params.BankBalance, err = validation.ParseOptionalAmount("bank_balance", req.BankBalance); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		session, err := engine.UpdateSession(r.Context(), mux.Vars(r)["id"], params)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		api.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":        true,
			"reconciliation": session,
		})
	}
}

func AddLineItemHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Kind        string      `json:"kind"`
			Description string      `json:"description,omitempty"`
			Amount      json.Number `json:"amount"`
			Date        string      `json:"date"`
			BankRef     string      `json:"bank_ref,omitempty"`
			Matched     bool        `json:"matched,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
		if req.Date == "" {
			api.RespondWithError(w, http.StatusBadRequest, "date is required")
			return
		}
		if req.Amount.String() == "" {
			api.RespondWithError(w, http.StatusBadRequest, "amount is required")
			return
		}
		date, err := validation.ParseDate("date", req.Date)
		if err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		amount, err := validation.ParseAmount("amount", req.Amount)
		if err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		item, session, err := engine.AddLineItem(r.Context(), mux.Vars(r)["id"], AddLineItemParams{
			Kind:        ItemKind(req.Kind),
			Description: req.Description,
			Amount:      amount,
			Date:        date,
			BankRef:     req.BankRef,
			Matched:     req.Matched,
		})
		if err != nil {
			respondEngineError(w, err)
			return
		}
		api.RespondWithJSON(w, http.StatusCreated, map[string]interface{}{
			"success":        true,
			"item":           item,
			"reconciliation": session,
		})
	}
}

func ToggleLineItemHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Matched *bool   `json:"matched"`
			BankRef *string `json:"bank_ref,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
		if req.Matched == nil {
			api.RespondWithError(w, http.StatusBadRequest, "matched is required")
			return
		}
		vars := mux.Vars(r)
		item, session, err := engine.ToggleLineItem(r.Context(), vars["id"], vars["itemID"], *req.Matched, req.BankRef)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		api.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":        true,
			"item":           item,
			"reconciliation": session,
		})
	}
}

func FinalizeSessionHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := engine.FinalizeSession(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			respondEngineError(w, err)
			return
		}
		api.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":           true,
			"reconciliation_id": result.ID,
			"closing_balance":   result.ClosingBalance,
			"finalized_at":      result.FinalizedAt,
		})
	}
}

func VoidSessionHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason,omitempty"`
		}
		// EOF means no body, which is fine; ContentLength can't be
		// trusted here because chunked requests report -1.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			api.RespondWithError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
		result, err := engine.VoidSession(r.Context(), mux.Vars(r)["id"], req.Reason)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		api.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":           true,
			"reconciliation_id": result.ID,
		})
	}
}

func StatisticsHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := StatsFilter{AccountID: q.Get("account_id")}
		var err error
		if f.From, err = validation.ParseOptionalDate("from", q.Get("from")); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if f.To, err = validation.ParseOptionalDate("to", q.Get("to")); err != nil {
			api.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		stats, err := engine.GetStatistics(r.Context(), f)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		api.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"statistics": stats,
		})
	}
}
