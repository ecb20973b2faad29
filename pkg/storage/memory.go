package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/solarbridge/solarbridge/pkg/types"
)

// Memory is an in-process Database for single-box deployments and tests.
// Nothing survives a restart; accounts come back in on the next start via
// the --accounts flag.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]types.AccountConfig
	tokens   map[string]types.TokenState
	writes   map[string][]types.BatteryWrite
}

var _ Database = (*Memory)(nil)

// NewMemory creates an empty in-memory Database.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]types.AccountConfig),
		tokens:   make(map[string]types.TokenState),
		writes:   make(map[string][]types.BatteryWrite),
	}
}

func (m *Memory) GetAccount(ctx context.Context, accountID string) (types.AccountConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return types.AccountConfig{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListAccounts(ctx context.Context) ([]types.AccountConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	accounts := make([]types.AccountConfig, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (m *Memory) UpsertAccount(ctx context.Context, account types.AccountConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.ID] = account
	return nil
}

func (m *Memory) GetTokenState(ctx context.Context, accountID string) (types.TokenState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.tokens[accountID]
	if !ok {
		return types.TokenState{}, ErrNotFound
	}
	return ts, nil
}

func (m *Memory) SetTokenState(ctx context.Context, accountID string, ts types.TokenState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[accountID] = ts
	return nil
}

func (m *Memory) InsertBatteryWrite(ctx context.Context, accountID string, w types.BatteryWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes[accountID] = append(m.writes[accountID], w)
	return nil
}

func (m *Memory) GetBatteryWrites(ctx context.Context, accountID string, start, end time.Time) ([]types.BatteryWrite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.BatteryWrite
	for _, w := range m.writes[accountID] {
		if !w.Timestamp.Before(start) && w.Timestamp.Before(end) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
