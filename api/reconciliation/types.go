package reconciliation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status of a reconciliation session. A session starts open and ends in
// exactly one of the two terminal states.
type Status string

const (
	StatusOpen      Status = "open"
	StatusFinalized Status = "finalized"
	StatusVoided    Status = "voided"
)

func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusVoided
}

// ItemKind classifies a line item. Income and expense items carry unsigned
// amounts; adjustment amounts are signed.
type ItemKind string

const (
	KindIncome     ItemKind = "income"
	KindExpense    ItemKind = "expense"
	KindAdjustment ItemKind = "adjustment"
)

func ValidKind(k ItemKind) bool {
	switch k {
	case KindIncome, KindExpense, KindAdjustment:
		return true
	}
	return false
}

// Account is the slice of the bank account record the engine reads, plus the
// two fields it stamps on finalize. The operational current balance is owned
// by the account service and never written here.
type Account struct {
	ID                   string          `json:"account_id"`
	Name                 string          `json:"account_name"`
	CurrentBalance       decimal.Decimal `json:"current_balance"`
	AccountingBalance    decimal.Decimal `json:"accounting_balance"`
	LastReconciliationAt *time.Time      `json:"last_reconciliation_at,omitempty"`
	Active               bool            `json:"active"`
}

// Movement is an income or expense record as seen through the collaborator
// boundary. Kind is income or expense, never adjustment.
type Movement struct {
	ID           string          `json:"movement_id"`
	Kind         ItemKind        `json:"kind"`
	AccountID    string          `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	Date         time.Time       `json:"date"`
	Reconciled   bool            `json:"reconciled"`
	ReconciledAt *time.Time      `json:"reconciled_at,omitempty"`
	Voided       bool            `json:"-"`
}

// LineItem is a point-in-time snapshot of one movement (or a manual
// adjustment) scoped to a session. Amount never changes after creation; only
// Matched and BankRef do.
type LineItem struct {
	ID          string          `json:"item_id"`
	SessionID   string          `json:"reconciliation_id"`
	Kind        ItemKind        `json:"kind"`
	MovementID  *string         `json:"movement_id,omitempty"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"item_date"`
	BankRef     string          `json:"bank_ref"`
	Matched     bool            `json:"matched"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Session is one reconciliation attempt for one account over one period.
type Session struct {
	ID             string          `json:"reconciliation_id"`
	AccountID      string          `json:"account_id"`
	PeriodStart    time.Time       `json:"period_start"`
	PeriodEnd      time.Time       `json:"period_end"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	BankBalance    decimal.Decimal `json:"bank_balance"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	Difference     decimal.Decimal `json:"difference"`
	Status         Status          `json:"status"`
	Notes          string          `json:"notes"`
	OpenedBy       string          `json:"opened_by"`
	OpenedAt       time.Time       `json:"opened_at"`
	FinalizedAt    *time.Time      `json:"finalized_at,omitempty"`
	Items          []*LineItem     `json:"items,omitempty"`
}
