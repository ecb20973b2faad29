package storagemock

import (
	"context"
	"time"

	"github.com/solarbridge/solarbridge/pkg/storage"
	"github.com/solarbridge/solarbridge/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetAccount(ctx context.Context, accountID string) (types.AccountConfig, error) {
	args := m.Called(ctx, accountID)
	if len(args) > 0 {
		return args.Get(0).(types.AccountConfig), args.Error(1)
	}
	return types.AccountConfig{}, nil
}

func (m *MockDatabase) ListAccounts(ctx context.Context) ([]types.AccountConfig, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.AccountConfig), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertAccount(ctx context.Context, account types.AccountConfig) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockDatabase) GetTokenState(ctx context.Context, accountID string) (types.TokenState, error) {
	args := m.Called(ctx, accountID)
	if len(args) > 0 {
		return args.Get(0).(types.TokenState), args.Error(1)
	}
	return types.TokenState{}, nil
}

func (m *MockDatabase) SetTokenState(ctx context.Context, accountID string, ts types.TokenState) error {
	args := m.Called(ctx, accountID, ts)
	return args.Error(0)
}

func (m *MockDatabase) InsertBatteryWrite(ctx context.Context, accountID string, w types.BatteryWrite) error {
	args := m.Called(ctx, accountID, w)
	return args.Error(0)
}

func (m *MockDatabase) GetBatteryWrites(ctx context.Context, accountID string, start, end time.Time) ([]types.BatteryWrite, error) {
	args := m.Called(ctx, accountID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.BatteryWrite), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
