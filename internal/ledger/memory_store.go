package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node
// development. All reads return deep copies so callers can stage
// mutations without touching stored state until commit.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*CreditEntry // by ID
	byRef   map[string]string       // payment ref -> ID
	audits  []*AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*CreditEntry),
		byRef:   make(map[string]string),
	}
}

func (m *MemoryStore) CreateEntry(_ context.Context, entry *CreditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = cloneEntry(entry)
	m.byRef[entry.PaymentRef] = entry.ID
	return nil
}

func (m *MemoryStore) GetEntry(_ context.Context, id string) (*CreditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

func (m *MemoryStore) GetEntryByRef(_ context.Context, paymentRef string) (*CreditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[paymentRef]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(m.entries[id]), nil
}

func (m *MemoryStore) ListSucceeded(_ context.Context, userID string) ([]*CreditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CreditEntry
	for _, e := range m.entries {
		if e.UserID == userID && e.Status == StatusSucceeded {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListByEmail(_ context.Context, email string) ([]*CreditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CreditEntry
	for _, e := range m.entries {
		if e.UserEmail == email {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, paymentRef string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRef[paymentRef]
	if !ok {
		return ErrEntryNotFound
	}
	m.entries[id].Status = status
	return nil
}

func (m *MemoryStore) CommitRedemption(_ context.Context, entries []*CreditEntry, audits []*AuditRecord) error {
	return m.commit(entries, audits)
}

func (m *MemoryStore) CommitRefund(_ context.Context, entries []*CreditEntry, audits []*AuditRecord) error {
	return m.commit(entries, audits)
}

func (m *MemoryStore) commit(entries []*CreditEntry, audits []*AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.entries[e.ID]; !ok {
			return ErrEntryNotFound
		}
	}
	for _, e := range entries {
		m.entries[e.ID] = cloneEntry(e)
	}
	for _, a := range audits {
		m.audits = append(m.audits, cloneAudit(a))
	}
	return nil
}

func (m *MemoryStore) DeleteExhausted(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.UserID == userID && e.Exhausted() {
			delete(m.byRef, e.PaymentRef)
			delete(m.entries, id)
		}
	}
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, cloneAudit(rec))
	return nil
}

func (m *MemoryStore) ListAudits(_ context.Context, userID string, limit int) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditRecord
	for i := len(m.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if m.audits[i].UserID == userID {
			out = append(out, cloneAudit(m.audits[i]))
		}
	}
	return out, nil
}

func cloneEntry(e *CreditEntry) *CreditEntry {
	c := *e
	if e.DebitHistory != nil {
		c.DebitHistory = make([]Debit, len(e.DebitHistory))
		copy(c.DebitHistory, e.DebitHistory)
	}
	return &c
}

func cloneAudit(a *AuditRecord) *AuditRecord {
	c := *a
	return &c
}
