package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemStore is an in-process Store. A single mutex serializes transactions,
// and WithTx restores a snapshot when the callback fails, so the atomicity
// contract matches the Postgres store. Used by tests and by single-process
// deployments without a database.
type MemStore struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	sessions     map[string]*Session
	items        map[string]*LineItem
	sessionItems map[string][]string
	movements    map[string]*Movement
}

func NewMemStore() *MemStore {
	return &MemStore{
		accounts:     make(map[string]*Account),
		sessions:     make(map[string]*Session),
		items:        make(map[string]*LineItem),
		sessionItems: make(map[string][]string),
		movements:    make(map[string]*Movement),
	}
}

// SeedAccount registers an account record, replacing any previous one.
func (m *MemStore) SeedAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = cloneAccount(&a)
}

// SeedMovement registers an income or expense record.
func (m *MemStore) SeedMovement(mov Movement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movements[movementKey(mov.Kind, mov.ID)] = cloneMovement(&mov)
}

// RemoveMovement drops a movement, as when its owning service deletes it
// underneath an open session.
func (m *MemStore) RemoveMovement(kind ItemKind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.movements, movementKey(kind, id))
}

// AccountSnapshot returns a copy of the stored account record.
func (m *MemStore) AccountSnapshot(id string) (*Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, false
	}
	return cloneAccount(a), true
}

// MovementSnapshot returns a copy of the stored movement record.
func (m *MemStore) MovementSnapshot(kind ItemKind, id string) (*Movement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mov, ok := m.movements[movementKey(kind, id)]
	if !ok {
		return nil, false
	}
	return cloneMovement(mov), true
}

func (m *MemStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(&memTx{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *MemStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, notFoundf("reconciliation %s not found", id)
	}
	out := cloneSession(s)
	out.Items = m.itemsOf(id)
	sortItems(out.Items)
	return out, nil
}

func (m *MemStore) ListSessions(ctx context.Context, f SessionFilter) (int, []*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]*Session, 0)
	for _, s := range m.sessions {
		if !sessionMatches(s, f.AccountID, f.Status, f.From, f.To) {
			continue
		}
		matched = append(matched, cloneSession(s))
	}
	sortSessions(matched, f.SortField, f.SortDir)
	total := len(matched)
	offset := (f.Page - 1) * f.PageSize
	if offset >= total {
		return total, []*Session{}, nil
	}
	end := offset + f.PageSize
	if end > total {
		end = total
	}
	return total, matched[offset:end], nil
}

func (m *MemStore) Statistics(ctx context.Context, f StatsFilter) (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Statistics{
		ByStatus:        map[Status]int{},
		ByAccount:       []AccountCount{},
		RecentFinalized: []*Session{},
		CurrentlyOpen:   []*Session{},
	}
	perAccount := map[string]int{}
	for _, s := range m.sessions {
		if !sessionMatches(s, f.AccountID, "", f.From, f.To) {
			continue
		}
		stats.ByStatus[s.Status]++
		perAccount[s.AccountID]++
		switch s.Status {
		case StatusFinalized:
			stats.RecentFinalized = append(stats.RecentFinalized, cloneSession(s))
		case StatusOpen:
			stats.CurrentlyOpen = append(stats.CurrentlyOpen, cloneSession(s))
		}
	}
	for id, n := range perAccount {
		stats.ByAccount = append(stats.ByAccount, AccountCount{AccountID: id, Count: n})
	}
	sort.Slice(stats.ByAccount, func(i, j int) bool {
		if stats.ByAccount[i].Count == stats.ByAccount[j].Count {
			return stats.ByAccount[i].AccountID < stats.ByAccount[j].AccountID
		}
		return stats.ByAccount[i].Count > stats.ByAccount[j].Count
	})
	sort.Slice(stats.RecentFinalized, func(i, j int) bool {
		return stats.RecentFinalized[i].FinalizedAt.After(*stats.RecentFinalized[j].FinalizedAt)
	})
	if len(stats.RecentFinalized) > recentFinalizedLimit {
		stats.RecentFinalized = stats.RecentFinalized[:recentFinalizedLimit]
	}
	sort.Slice(stats.CurrentlyOpen, func(i, j int) bool {
		return stats.CurrentlyOpen[i].OpenedAt.Before(stats.CurrentlyOpen[j].OpenedAt)
	})
	return stats, nil
}

const recentFinalizedLimit = 5

// memTx runs under the store mutex held by WithTx.
type memTx struct {
	store *MemStore
}

func (t *memTx) AccountForUpdate(ctx context.Context, accountID string) (*Account, error) {
	a, ok := t.store.accounts[accountID]
	if !ok {
		return nil, notFoundf("account %s not found", accountID)
	}
	return cloneAccount(a), nil
}

func (t *memTx) StampAccount(ctx context.Context, accountID string, accountingBalance decimal.Decimal, at time.Time) error {
	a, ok := t.store.accounts[accountID]
	if !ok {
		return notFoundf("account %s not found", accountID)
	}
	a.AccountingBalance = accountingBalance
	stamp := at
	a.LastReconciliationAt = &stamp
	return nil
}

func (t *memTx) OpenSessionID(ctx context.Context, accountID string) (string, error) {
	for _, s := range t.store.sessions {
		if s.AccountID == accountID && s.Status == StatusOpen {
			return s.ID, nil
		}
	}
	return "", nil
}

func (t *memTx) LastFinalizedClosing(ctx context.Context, accountID string) (decimal.Decimal, bool, error) {
	var latest *Session
	for _, s := range t.store.sessions {
		if s.AccountID != accountID || s.Status != StatusFinalized {
			continue
		}
		if latest == nil || s.FinalizedAt.After(*latest.FinalizedAt) {
			latest = s
		}
	}
	if latest == nil {
		return decimal.Zero, false, nil
	}
	return latest.ClosingBalance, true, nil
}

func (t *memTx) InsertSession(ctx context.Context, s *Session) error {
	if blocking, _ := t.OpenSessionID(ctx, s.AccountID); blocking != "" {
		return conflictf(blocking, "account %s already has an open reconciliation", s.AccountID)
	}
	t.store.sessions[s.ID] = cloneSession(s)
	return nil
}

func (t *memTx) SessionForUpdate(ctx context.Context, id string) (*Session, error) {
	s, ok := t.store.sessions[id]
	if !ok {
		return nil, notFoundf("reconciliation %s not found", id)
	}
	return cloneSession(s), nil
}

func (t *memTx) UpdateSession(ctx context.Context, s *Session) error {
	if _, ok := t.store.sessions[s.ID]; !ok {
		return notFoundf("reconciliation %s not found", s.ID)
	}
	t.store.sessions[s.ID] = cloneSession(s)
	return nil
}

func (t *memTx) InsertLineItems(ctx context.Context, items []*LineItem) error {
	for _, it := range items {
		t.store.items[it.ID] = cloneItem(it)
		t.store.sessionItems[it.SessionID] = append(t.store.sessionItems[it.SessionID], it.ID)
	}
	return nil
}

func (t *memTx) LineItemForUpdate(ctx context.Context, sessionID, itemID string) (*LineItem, error) {
	it, ok := t.store.items[itemID]
	if !ok || it.SessionID != sessionID {
		return nil, notFoundf("line item %s not found in reconciliation %s", itemID, sessionID)
	}
	return cloneItem(it), nil
}

func (t *memTx) UpdateLineItem(ctx context.Context, it *LineItem) error {
	if _, ok := t.store.items[it.ID]; !ok {
		return notFoundf("line item %s not found", it.ID)
	}
	t.store.items[it.ID] = cloneItem(it)
	return nil
}

func (t *memTx) SessionItems(ctx context.Context, sessionID string) ([]*LineItem, error) {
	return t.store.itemsOf(sessionID), nil
}

func (t *memTx) UnreconciledMovements(ctx context.Context, accountID string, from, to time.Time) ([]*Movement, error) {
	out := make([]*Movement, 0)
	for _, mov := range t.store.movements {
		if mov.AccountID != accountID || mov.Reconciled || mov.Voided {
			continue
		}
		d := dateOnly(mov.Date)
		if d.Before(from) || d.After(to) {
			continue
		}
		out = append(out, cloneMovement(mov))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

func (t *memTx) SetMovementReconciled(ctx context.Context, kind ItemKind, movementID string, reconciled bool, at *time.Time) (bool, error) {
	mov, ok := t.store.movements[movementKey(kind, movementID)]
	if !ok {
		return false, nil
	}
	mov.Reconciled = reconciled
	mov.ReconciledAt = nil
	if at != nil {
		stamp := *at
		mov.ReconciledAt = &stamp
	}
	return true, nil
}

// --- internals ---

type memSnapshot struct {
	accounts     map[string]*Account
	sessions     map[string]*Session
	items        map[string]*LineItem
	sessionItems map[string][]string
	movements    map[string]*Movement
}

func (m *MemStore) snapshot() *memSnapshot {
	snap := &memSnapshot{
		accounts:     make(map[string]*Account, len(m.accounts)),
		sessions:     make(map[string]*Session, len(m.sessions)),
		items:        make(map[string]*LineItem, len(m.items)),
		sessionItems: make(map[string][]string, len(m.sessionItems)),
		movements:    make(map[string]*Movement, len(m.movements)),
	}
	for k, v := range m.accounts {
		snap.accounts[k] = cloneAccount(v)
	}
	for k, v := range m.sessions {
		snap.sessions[k] = cloneSession(v)
	}
	for k, v := range m.items {
		snap.items[k] = cloneItem(v)
	}
	for k, v := range m.sessionItems {
		snap.sessionItems[k] = append([]string(nil), v...)
	}
	for k, v := range m.movements {
		snap.movements[k] = cloneMovement(v)
	}
	return snap
}

func (m *MemStore) restore(snap *memSnapshot) {
	m.accounts = snap.accounts
	m.sessions = snap.sessions
	m.items = snap.items
	m.sessionItems = snap.sessionItems
	m.movements = snap.movements
}

func (m *MemStore) itemsOf(sessionID string) []*LineItem {
	ids := m.sessionItems[sessionID]
	out := make([]*LineItem, 0, len(ids))
	for _, id := range ids {
		if it, ok := m.items[id]; ok {
			out = append(out, cloneItem(it))
		}
	}
	return out
}

func sessionMatches(s *Session, accountID string, status Status, from, to *time.Time) bool {
	if accountID != "" && s.AccountID != accountID {
		return false
	}
	if status != "" && s.Status != status {
		return false
	}
	if from != nil && s.PeriodStart.Before(dateOnly(*from)) {
		return false
	}
	if to != nil && s.PeriodStart.After(dateOnly(*to)) {
		return false
	}
	return true
}

func sortSessions(sessions []*Session, field, dir string) {
	asc := dir == "asc"
	less := func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		// Swapping operands keeps the comparator strict under desc, so
		// equal keys compare false both ways and stable sort holds.
		if !asc {
			a, b = b, a
		}
		switch field {
		case "period_start":
			return a.PeriodStart.Before(b.PeriodStart)
		case "finalized_at":
			at, bt := a.FinalizedAt, b.FinalizedAt
			switch {
			case at == nil && bt == nil:
				return a.OpenedAt.Before(b.OpenedAt)
			case at == nil:
				return true
			case bt == nil:
				return false
			default:
				return at.Before(*bt)
			}
		case "difference":
			return a.Difference.LessThan(b.Difference)
		case "status":
			return a.Status < b.Status
		default:
			return a.OpenedAt.Before(b.OpenedAt)
		}
	}
	sort.SliceStable(sessions, less)
}

func movementKey(kind ItemKind, id string) string {
	return string(kind) + ":" + id
}

func cloneAccount(a *Account) *Account {
	c := *a
	if a.LastReconciliationAt != nil {
		t := *a.LastReconciliationAt
		c.LastReconciliationAt = &t
	}
	return &c
}

func cloneSession(s *Session) *Session {
	c := *s
	c.Items = nil
	if s.FinalizedAt != nil {
		t := *s.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}

func cloneItem(it *LineItem) *LineItem {
	c := *it
	if it.MovementID != nil {
		id := *it.MovementID
		c.MovementID = &id
	}
	return &c
}

func cloneMovement(m *Movement) *Movement {
	c := *m
	if m.ReconciledAt != nil {
		t := *m.ReconciledAt
		c.ReconciledAt = &t
	}
	return &c
}
