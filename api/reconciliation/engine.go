package reconciliation

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vskavo/hadda-erp-sub001/internal/config"
)

// Engine owns every reconciliation mutation: opening, updating, line item
// handling, finalizing and voiding all run here, each inside one store
// transaction. The HTTP layer on top only decodes requests and maps errors.
type Engine struct {
	store Store
	now   func() time.Time
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

type OpenSessionParams struct {
	AccountID      string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	OpeningBalance *decimal.Decimal
	BankBalance    *decimal.Decimal
	Notes          string
	OpenedBy       string
}

type UpdateSessionParams struct {
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	OpeningBalance *decimal.Decimal
	BankBalance    *decimal.Decimal
	Notes          *string
}

type AddLineItemParams struct {
	Kind        ItemKind
	Description string
	Amount      decimal.Decimal
	Date        time.Time
	BankRef     string
	Matched     bool
}

type FinalizeResult struct {
	ID             string          `json:"reconciliation_id"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	FinalizedAt    time.Time       `json:"finalized_at"`
}

type VoidResult struct {
	ID string `json:"reconciliation_id"`
}

type SessionPage struct {
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	Items    []*Session `json:"items"`
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// OpenSession starts a reconciliation for the account. The period defaults
// to the first of the current month through today; the opening balance
// defaults to the closing balance of the last finalized reconciliation. One
// line item is snapshotted per unreconciled, non-voided movement in range.
func (e *Engine) OpenSession(ctx context.Context, p OpenSessionParams) (*Session, error) {
	if p.AccountID == "" {
		return nil, validationf("account_id is required")
	}
	if p.OpenedBy == "" {
		return nil, validationf("user_id is required")
	}
	now := e.now()
	start := dateOnly(now)
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := dateOnly(now)
	if p.PeriodStart != nil {
		start = dateOnly(*p.PeriodStart)
	}
	if p.PeriodEnd != nil {
		end = dateOnly(*p.PeriodEnd)
	}
	if start.After(end) {
		return nil, validationf("period_start %s is after period_end %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	var session *Session
	err := e.store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.AccountForUpdate(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if blocking, err := tx.OpenSessionID(ctx, acct.ID); err != nil {
			return err
		} else if blocking != "" {
			return conflictf(blocking, "account %s already has an open reconciliation", acct.ID)
		}

		opening := decimal.Zero
		if p.OpeningBalance != nil {
			opening = *p.OpeningBalance
		} else if last, ok, err := tx.LastFinalizedClosing(ctx, acct.ID); err != nil {
			return err
		} else if ok {
			opening = last
		}
		bank := decimal.Zero
		if p.BankBalance != nil {
			bank = *p.BankBalance
		}

		session = &Session{
			ID:             uuid.New().String(),
			AccountID:      acct.ID,
			PeriodStart:    start,
			PeriodEnd:      end,
			OpeningBalance: opening,
			BankBalance:    bank,
			ClosingBalance: opening,
			Difference:     bank.Sub(opening),
			Status:         StatusOpen,
			Notes:          p.Notes,
			OpenedBy:       p.OpenedBy,
			OpenedAt:       now,
		}
		if err := tx.InsertSession(ctx, session); err != nil {
			return err
		}

		movements, err := tx.UnreconciledMovements(ctx, acct.ID, start, end)
		if err != nil {
			return err
		}
		items := make([]*LineItem, 0, len(movements))
		for _, m := range movements {
			movID := m.ID
			items = append(items, &LineItem{
				ID:          uuid.New().String(),
				SessionID:   session.ID,
				Kind:        m.Kind,
				MovementID:  &movID,
				Description: m.Description,
				Amount:      m.Amount,
				Date:        dateOnly(m.Date),
				Matched:     false,
				CreatedAt:   now,
			})
		}
		if len(items) > 0 {
			if err := tx.InsertLineItems(ctx, items); err != nil {
				return err
			}
		}
		sortItems(items)
		session.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSession changes period, balances or notes of an open session and
// recomputes closing balance and difference from the current line items.
func (e *Engine) UpdateSession(ctx context.Context, sessionID string, p UpdateSessionParams) (*Session, error) {
	var session *Session
	err := e.store.WithTx(ctx, func(tx Tx) error {
		s, err := tx.SessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != StatusOpen {
			return invalidStatef("cannot update a %s reconciliation", s.Status)
		}
		if p.PeriodStart != nil {
			s.PeriodStart = dateOnly(*p.PeriodStart)
		}
		if p.PeriodEnd != nil {
			s.PeriodEnd = dateOnly(*p.PeriodEnd)
		}
		if s.PeriodStart.After(s.PeriodEnd) {
			return validationf("period_start %s is after period_end %s",
				s.PeriodStart.Format("2006-01-02"), s.PeriodEnd.Format("2006-01-02"))
		}
		if p.OpeningBalance != nil {
			s.OpeningBalance = *p.OpeningBalance
		}
		if p.BankBalance != nil {
			s.BankBalance = *p.BankBalance
		}
		if p.Notes != nil {
			s.Notes = *p.Notes
		}

		items, err := tx.SessionItems(ctx, s.ID)
		if err != nil {
			return err
		}
		s.ClosingBalance, s.Difference = Recompute(s.OpeningBalance, s.BankBalance, items)
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		sortItems(items)
		s.Items = items
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// AddLineItem appends a manual adjustment or late-arriving movement snapshot
// to an open session. When created already matched, its contribution is
// applied to the session balances in the same transaction.
func (e *Engine) AddLineItem(ctx context.Context, sessionID string, p AddLineItemParams) (*LineItem, *Session, error) {
	if !ValidKind(p.Kind) {
		return nil, nil, validationf("kind must be one of income, expense, adjustment")
	}
	if p.Date.IsZero() {
		return nil, nil, validationf("date is required")
	}
	if p.Amount.IsZero() {
		return nil, nil, validationf("amount is required and must be non-zero")
	}
	if p.Kind != KindAdjustment && p.Amount.IsNegative() {
		return nil, nil, validationf("%s amounts must be positive; use an adjustment for signed amounts", p.Kind)
	}

	var (
		item    *LineItem
		session *Session
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		s, err := tx.SessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != StatusOpen {
			return invalidStatef("cannot add line items to a %s reconciliation", s.Status)
		}
		item = &LineItem{
			ID:          uuid.New().String(),
			SessionID:   s.ID,
			Kind:        p.Kind,
			Description: p.Description,
			Amount:      p.Amount,
			Date:        dateOnly(p.Date),
			BankRef:     p.BankRef,
			Matched:     p.Matched,
			CreatedAt:   e.now(),
		}
		if err := tx.InsertLineItems(ctx, []*LineItem{item}); err != nil {
			return err
		}
		if item.Matched {
			s.ClosingBalance = s.ClosingBalance.Add(Contribution(item.Kind, item.Amount))
			s.Difference = s.BankBalance.Sub(s.ClosingBalance)
			if err := tx.UpdateSession(ctx, s); err != nil {
				return err
			}
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return item, session, nil
}

// ToggleLineItem sets a line item's matched state, moves the session
// balances by the item's signed contribution, and mirrors the new state to
// the referenced source movement inside the same transaction. Re-asserting
// the current state only updates the bank reference.
func (e *Engine) ToggleLineItem(ctx context.Context, sessionID, itemID string, matched bool, bankRef *string) (*LineItem, *Session, error) {
	var (
		item    *LineItem
		session *Session
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		s, err := tx.SessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != StatusOpen {
			return invalidStatef("cannot modify line items of a %s reconciliation", s.Status)
		}
		it, err := tx.LineItemForUpdate(ctx, s.ID, itemID)
		if err != nil {
			return err
		}
		wasMatched := it.Matched
		if bankRef != nil {
			it.BankRef = *bankRef
		}
		if matched != wasMatched {
			delta := Contribution(it.Kind, it.Amount)
			if !matched {
				delta = delta.Neg()
			}
			it.Matched = matched
			s.ClosingBalance = s.ClosingBalance.Add(delta)
			s.Difference = s.BankBalance.Sub(s.ClosingBalance)
			if err := tx.UpdateSession(ctx, s); err != nil {
				return err
			}
		}
		if err := tx.UpdateLineItem(ctx, it); err != nil {
			return err
		}
		if matched != wasMatched && it.MovementID != nil {
			var at *time.Time
			if matched {
				t := e.now()
				at = &t
			}
			found, err := tx.SetMovementReconciled(ctx, it.Kind, *it.MovementID, matched, at)
			if err != nil {
				return err
			}
			if !found {
				// The snapshot stays authoritative for the session.
				log.Printf("[WARN] reconciliation %s: source %s %s no longer exists, skipping mirror write",
					s.ID, it.Kind, *it.MovementID)
			}
		}
		item = it
		session = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return item, session, nil
}

// FinalizeSession closes an open session. The difference is re-validated
// from freshly read line items inside the transaction, so a toggle that
// lands first makes the finalize fail rather than certify a stale balance.
// On success the account's accounting balance is stamped with the closing
// balance.
func (e *Engine) FinalizeSession(ctx context.Context, sessionID string) (*FinalizeResult, error) {
	var result *FinalizeResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		s, err := tx.SessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != StatusOpen {
			return invalidStatef("cannot finalize a %s reconciliation", s.Status)
		}
		items, err := tx.SessionItems(ctx, s.ID)
		if err != nil {
			return err
		}
		closing, diff := Recompute(s.OpeningBalance, s.BankBalance, items)
		if !diff.IsZero() {
			return &Error{
				Kind:       ErrInvalidState,
				Message:    "difference must be zero to finalize, got " + diff.String(),
				Difference: &diff,
			}
		}
		now := e.now()
		s.ClosingBalance = closing
		s.Difference = diff
		s.Status = StatusFinalized
		s.FinalizedAt = &now
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		if err := tx.StampAccount(ctx, s.AccountID, closing, now); err != nil {
			return err
		}
		result = &FinalizeResult{ID: s.ID, ClosingBalance: closing, FinalizedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// VoidSession discards an open session, keeping it for audit. Reconciled
// flags already mirrored to source movements are left as they are.
func (e *Engine) VoidSession(ctx context.Context, sessionID, reason string) (*VoidResult, error) {
	var result *VoidResult
	err := e.store.WithTx(ctx, func(tx Tx) error {
		s, err := tx.SessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != StatusOpen {
			return invalidStatef("cannot void a %s reconciliation", s.Status)
		}
		note := "Voided at " + e.now().Format(time.RFC3339)
		if reason != "" {
			note += ": " + reason
		}
		s.Notes = strings.TrimSpace(s.Notes + "\n" + note)
		s.Status = StatusVoided
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		result = &VoidResult{ID: s.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetSession returns a session with its line items in chronological order.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return e.store.GetSession(ctx, sessionID)
}

var listSortFields = map[string]bool{
	"opened_at":    true,
	"period_start": true,
	"finalized_at": true,
	"difference":   true,
	"status":       true,
}

// ListSessions pages through sessions, newest first by default. Unknown sort
// fields fall back to opened_at.
func (e *Engine) ListSessions(ctx context.Context, f SessionFilter) (*SessionPage, error) {
	if f.Status != "" && f.Status != StatusOpen && f.Status != StatusFinalized && f.Status != StatusVoided {
		return nil, validationf("status must be one of open, finalized, voided")
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = config.DefaultPageSize
	}
	if f.PageSize > config.MaxPageSize {
		f.PageSize = config.MaxPageSize
	}
	if !listSortFields[f.SortField] {
		f.SortField = "opened_at"
	}
	if f.SortDir != "asc" {
		f.SortDir = "desc"
	}
	total, sessions, err := e.store.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	return &SessionPage{Total: total, Page: f.Page, PageSize: f.PageSize, Items: sessions}, nil
}

// GetStatistics summarizes sessions for back-office screens.
func (e *Engine) GetStatistics(ctx context.Context, f StatsFilter) (*Statistics, error) {
	return e.store.Statistics(ctx, f)
}

func sortItems(items []*LineItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Date.Equal(items[j].Date) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Date.Before(items[j].Date)
	})
}
