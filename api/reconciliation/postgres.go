package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PgStore is the Postgres-backed Store. Every WithTx call is one database
// transaction; the ForUpdate reads take row locks so concurrent toggles and
// finalizes serialize on the session row. NUMERIC values travel as text and
// are parsed into decimals, never through floats.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const sessionCols = `reconciliation_id, account_id, period_start, period_end,
	opening_balance::text, bank_balance::text, closing_balance::text, difference::text,
	status, notes, opened_by, opened_at, finalized_at`

const itemCols = `item_id, reconciliation_id, kind, movement_id, description,
	amount::text, item_date, bank_ref, matched, created_at`

func (s *PgStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// beginRead opens a repeatable-read snapshot for multi-statement reads, so
// the session row and its items always come from the same committed state
// even while a toggle commits in between.
func (s *PgStore) beginRead(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin read transaction: %w", err)
	}
	return tx, nil
}

func (s *PgStore) GetSession(ctx context.Context, id string) (*Session, error) {
	tx, err := s.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM bank_reconciliations WHERE reconciliation_id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx,
		`SELECT `+itemCols+` FROM bank_reconciliation_items
		 WHERE reconciliation_id = $1 ORDER BY item_date, created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		session.Items = append(session.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	return session, tx.Commit(ctx)
}

func (s *PgStore) ListSessions(ctx context.Context, f SessionFilter) (int, []*Session, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		where += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.From != nil {
		args = append(args, dateOnly(*f.From))
		where += fmt.Sprintf(" AND period_start >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, dateOnly(*f.To))
		where += fmt.Sprintf(" AND period_start <= $%d", len(args))
	}

	// Count and page come from one snapshot so they cannot disagree.
	tx, err := s.beginRead(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback(ctx)

	var total int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM bank_reconciliations `+where, args...).Scan(&total); err != nil {
		return 0, nil, err
	}

	// Sort field and direction are whitelisted by the engine.
	order := fmt.Sprintf(" ORDER BY %s %s NULLS LAST", f.SortField, f.SortDir)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	query := `SELECT ` + sessionCols + ` FROM bank_reconciliations ` + where + order +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	sessions := []*Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return 0, nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	rows.Close()
	return total, sessions, tx.Commit(ctx)
}

func (s *PgStore) Statistics(ctx context.Context, f StatsFilter) (*Statistics, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if f.AccountID != "" {
		args = append(args, f.AccountID)
		where += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if f.From != nil {
		args = append(args, dateOnly(*f.From))
		where += fmt.Sprintf(" AND period_start >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, dateOnly(*f.To))
		where += fmt.Sprintf(" AND period_start <= $%d", len(args))
	}

	stats := &Statistics{
		ByStatus:        map[Status]int{},
		ByAccount:       []AccountCount{},
		RecentFinalized: []*Session{},
		CurrentlyOpen:   []*Session{},
	}

	// All the aggregates come from one snapshot.
	tx, err := s.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT status, COUNT(*) FROM bank_reconciliations `+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[Status(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx,
		`SELECT account_id, COUNT(*) FROM bank_reconciliations `+where+
			` GROUP BY account_id ORDER BY COUNT(*) DESC, account_id`, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ac AccountCount
		if err := rows.Scan(&ac.AccountID, &ac.Count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByAccount = append(stats.ByAccount, ac)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Pick the ids first, then load full rows in one ANY() fetch.
	ids := []string{}
	rows, err = tx.Query(ctx,
		`SELECT reconciliation_id FROM bank_reconciliations `+where+
			` AND status = 'finalized' ORDER BY finalized_at DESC LIMIT `+fmt.Sprint(recentFinalizedLimit), args...)
	if err != nil {
		return nil, err
	}
	recentIDs := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		recentIDs[id] = true
	}
	rows.Close()
	rows, err = tx.Query(ctx,
		`SELECT reconciliation_id FROM bank_reconciliations `+where+
			` AND status = 'open' ORDER BY opened_at`, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return stats, tx.Commit(ctx)
	}

	rows, err = tx.Query(ctx,
		`SELECT `+sessionCols+` FROM bank_reconciliations WHERE reconciliation_id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := map[string]*Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		byID[session.ID] = session
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		session, ok := byID[id]
		if !ok {
			continue
		}
		if recentIDs[id] {
			stats.RecentFinalized = append(stats.RecentFinalized, session)
		} else {
			stats.CurrentlyOpen = append(stats.CurrentlyOpen, session)
		}
	}
	rows.Close()
	return stats, tx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) AccountForUpdate(ctx context.Context, accountID string) (*Account, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT account_id, account_name, current_balance::text, accounting_balance::text,
		        last_reconciliation_at, active
		 FROM accounts WHERE account_id = $1 FOR UPDATE`, accountID)
	var (
		a            Account
		current, acc string
	)
	err := row.Scan(&a.ID, &a.Name, &current, &acc, &a.LastReconciliationAt, &a.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundf("account %s not found", accountID)
	}
	if err != nil {
		return nil, err
	}
	if a.CurrentBalance, err = decimal.NewFromString(current); err != nil {
		return nil, err
	}
	if a.AccountingBalance, err = decimal.NewFromString(acc); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) StampAccount(ctx context.Context, accountID string, accountingBalance decimal.Decimal, at time.Time) error {
	ct, err := t.tx.Exec(ctx,
		`UPDATE accounts SET accounting_balance = $2, last_reconciliation_at = $3 WHERE account_id = $1`,
		accountID, accountingBalance.String(), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return notFoundf("account %s not found", accountID)
	}
	return nil
}

func (t *pgTx) OpenSessionID(ctx context.Context, accountID string) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx,
		`SELECT reconciliation_id FROM bank_reconciliations WHERE account_id = $1 AND status = 'open'`,
		accountID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (t *pgTx) LastFinalizedClosing(ctx context.Context, accountID string) (decimal.Decimal, bool, error) {
	var closing string
	err := t.tx.QueryRow(ctx,
		`SELECT closing_balance::text FROM bank_reconciliations
		 WHERE account_id = $1 AND status = 'finalized'
		 ORDER BY finalized_at DESC LIMIT 1`, accountID).Scan(&closing)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	d, err := decimal.NewFromString(closing)
	return d, err == nil, err
}

func (t *pgTx) InsertSession(ctx context.Context, s *Session) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bank_reconciliations (
			reconciliation_id, account_id, period_start, period_end,
			opening_balance, bank_balance, closing_balance, difference,
			status, notes, opened_by, opened_at, finalized_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		s.ID, s.AccountID, s.PeriodStart, s.PeriodEnd,
		s.OpeningBalance.String(), s.BankBalance.String(), s.ClosingBalance.String(), s.Difference.String(),
		string(s.Status), s.Notes, s.OpenedBy, s.OpenedAt, s.FinalizedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" &&
		pgErr.ConstraintName == "bank_reconciliations_account_open_idx" {
		// Lost the race against a concurrent open.
		return conflictf("", "account %s already has an open reconciliation", s.AccountID)
	}
	return err
}

func (t *pgTx) SessionForUpdate(ctx context.Context, id string) (*Session, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM bank_reconciliations WHERE reconciliation_id = $1 FOR UPDATE`, id)
	return scanSession(row)
}

func (t *pgTx) UpdateSession(ctx context.Context, s *Session) error {
	ct, err := t.tx.Exec(ctx,
		`UPDATE bank_reconciliations SET
			period_start = $2, period_end = $3,
			opening_balance = $4, bank_balance = $5, closing_balance = $6, difference = $7,
			status = $8, notes = $9, finalized_at = $10
		 WHERE reconciliation_id = $1`,
		s.ID, s.PeriodStart, s.PeriodEnd,
		s.OpeningBalance.String(), s.BankBalance.String(), s.ClosingBalance.String(), s.Difference.String(),
		string(s.Status), s.Notes, s.FinalizedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return notFoundf("reconciliation %s not found", s.ID)
	}
	return nil
}

func (t *pgTx) InsertLineItems(ctx context.Context, items []*LineItem) error {
	for _, it := range items {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO bank_reconciliation_items (
				item_id, reconciliation_id, kind, movement_id, description,
				amount, item_date, bank_ref, matched, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			it.ID, it.SessionID, string(it.Kind), it.MovementID, it.Description,
			it.Amount.String(), it.Date, it.BankRef, it.Matched, it.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LineItemForUpdate(ctx context.Context, sessionID, itemID string) (*LineItem, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+itemCols+` FROM bank_reconciliation_items
		 WHERE item_id = $1 AND reconciliation_id = $2 FOR UPDATE`, itemID, sessionID)
	it, err := scanItem(row)
	if KindOf(err) == ErrNotFound {
		return nil, notFoundf("line item %s not found in reconciliation %s", itemID, sessionID)
	}
	return it, err
}

func (t *pgTx) UpdateLineItem(ctx context.Context, it *LineItem) error {
	// Amount and kind are immutable after creation.
	ct, err := t.tx.Exec(ctx,
		`UPDATE bank_reconciliation_items SET bank_ref = $2, matched = $3 WHERE item_id = $1`,
		it.ID, it.BankRef, it.Matched)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return notFoundf("line item %s not found", it.ID)
	}
	return nil
}

func (t *pgTx) SessionItems(ctx context.Context, sessionID string) ([]*LineItem, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+itemCols+` FROM bank_reconciliation_items
		 WHERE reconciliation_id = $1 ORDER BY item_date, created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*LineItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (t *pgTx) UnreconciledMovements(ctx context.Context, accountID string, from, to time.Time) ([]*Movement, error) {
	queries := []struct {
		kind ItemKind
		sql  string
	}{
		{KindIncome, `SELECT income_id, amount::text, COALESCE(description, ''), income_date
			FROM incomes
			WHERE account_id = $1 AND income_date BETWEEN $2 AND $3
			  AND reconciled = FALSE AND status <> 'voided'
			ORDER BY income_date, income_id`},
		{KindExpense, `SELECT expense_id, amount::text, COALESCE(description, ''), expense_date
			FROM expenses
			WHERE account_id = $1 AND expense_date BETWEEN $2 AND $3
			  AND reconciled = FALSE AND status <> 'voided'
			ORDER BY expense_date, expense_id`},
	}
	out := []*Movement{}
	for _, q := range queries {
		rows, err := t.tx.Query(ctx, q.sql, accountID, from, to)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			mov := &Movement{Kind: q.kind, AccountID: accountID}
			var amount string
			if err := rows.Scan(&mov.ID, &amount, &mov.Description, &mov.Date); err != nil {
				rows.Close()
				return nil, err
			}
			if mov.Amount, err = decimal.NewFromString(amount); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, mov)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *pgTx) SetMovementReconciled(ctx context.Context, kind ItemKind, movementID string, reconciled bool, at *time.Time) (bool, error) {
	var sql string
	switch kind {
	case KindIncome:
		sql = `UPDATE incomes SET reconciled = $2, reconciled_at = $3 WHERE income_id = $1`
	case KindExpense:
		sql = `UPDATE expenses SET reconciled = $2, reconciled_at = $3 WHERE expense_id = $1`
	default:
		return false, nil
	}
	ct, err := t.tx.Exec(ctx, sql, movementID, reconciled, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s                           Session
		opening, bank, closing, dif string
		status                      string
	)
	err := row.Scan(&s.ID, &s.AccountID, &s.PeriodStart, &s.PeriodEnd,
		&opening, &bank, &closing, &dif,
		&status, &s.Notes, &s.OpenedBy, &s.OpenedAt, &s.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundf("reconciliation not found")
	}
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	if s.OpeningBalance, err = decimal.NewFromString(opening); err != nil {
		return nil, err
	}
	if s.BankBalance, err = decimal.NewFromString(bank); err != nil {
		return nil, err
	}
	if s.ClosingBalance, err = decimal.NewFromString(closing); err != nil {
		return nil, err
	}
	if s.Difference, err = decimal.NewFromString(dif); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanItem(row rowScanner) (*LineItem, error) {
	var (
		it     LineItem
		kind   string
		amount string
	)
	err := row.Scan(&it.ID, &it.SessionID, &kind, &it.MovementID, &it.Description,
		&amount, &it.Date, &it.BankRef, &it.Matched, &it.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundf("line item not found")
	}
	if err != nil {
		return nil, err
	}
	it.Kind = ItemKind(kind)
	if it.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	return &it, nil
}
