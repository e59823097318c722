package reconciliation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SessionFilter narrows ListSessions. Zero values mean "no filter". From/To
// match on period_start.
type SessionFilter struct {
	AccountID string
	Status    Status
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
	SortField string
	SortDir   string
}

// StatsFilter narrows GetStatistics.
type StatsFilter struct {
	AccountID string
	From      *time.Time
	To        *time.Time
}

type AccountCount struct {
	AccountID string `json:"account_id"`
	Count     int    `json:"count"`
}

type Statistics struct {
	ByStatus        map[Status]int `json:"by_status"`
	ByAccount       []AccountCount `json:"by_account"`
	RecentFinalized []*Session     `json:"recent_finalized"`
	CurrentlyOpen   []*Session     `json:"currently_open"`
}

// Store is the persistence boundary of the engine. Mutations run through
// WithTx: the callback either commits as a whole or leaves no trace, and
// rows read through the Tx "ForUpdate" methods stay locked until the
// transaction ends.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, f SessionFilter) (total int, sessions []*Session, err error)
	Statistics(ctx context.Context, f StatsFilter) (*Statistics, error)
}

// Tx is the single-writer view of one atomic unit. Implementations must make
// InsertSession fail with a conflict Error when another open session exists
// for the same account, even against a concurrent insert.
type Tx interface {
	AccountForUpdate(ctx context.Context, accountID string) (*Account, error)
	StampAccount(ctx context.Context, accountID string, accountingBalance decimal.Decimal, at time.Time) error

	OpenSessionID(ctx context.Context, accountID string) (string, error)
	LastFinalizedClosing(ctx context.Context, accountID string) (decimal.Decimal, bool, error)
	InsertSession(ctx context.Context, s *Session) error
	SessionForUpdate(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error

	InsertLineItems(ctx context.Context, items []*LineItem) error
	LineItemForUpdate(ctx context.Context, sessionID, itemID string) (*LineItem, error)
	UpdateLineItem(ctx context.Context, it *LineItem) error
	SessionItems(ctx context.Context, sessionID string) ([]*LineItem, error)

	UnreconciledMovements(ctx context.Context, accountID string, from, to time.Time) ([]*Movement, error)
	SetMovementReconciled(ctx context.Context, kind ItemKind, movementID string, reconciled bool, at *time.Time) (bool, error)
}
