package storage

import (
	"context"
	"testing"
	"time"

	"github.com/solarbridge/solarbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	t.Run("Accounts", func(t *testing.T) {
		_, err := m.GetAccount(ctx, "sm1")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, m.UpsertAccount(ctx, types.AccountConfig{ID: "sm2", Email: "b@example.com"}))
		require.NoError(t, m.UpsertAccount(ctx, types.AccountConfig{ID: "sm1", Email: "a@example.com"}))

		a, err := m.GetAccount(ctx, "sm1")
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", a.Email)

		accounts, err := m.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, "sm1", accounts[0].ID, "accounts sorted by ID")

		// upsert replaces
		require.NoError(t, m.UpsertAccount(ctx, types.AccountConfig{ID: "sm1", Email: "new@example.com"}))
		a, err = m.GetAccount(ctx, "sm1")
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", a.Email)
	})

	t.Run("TokenState", func(t *testing.T) {
		_, err := m.GetTokenState(ctx, "sm1")
		assert.ErrorIs(t, err, ErrNotFound)

		ts := types.TokenState{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}
		require.NoError(t, m.SetTokenState(ctx, "sm1", ts))

		got, err := m.GetTokenState(ctx, "sm1")
		require.NoError(t, err)
		assert.Equal(t, ts.AccessToken, got.AccessToken)
		assert.Equal(t, ts.RefreshToken, got.RefreshToken)
	})

	t.Run("BatteryWrites", func(t *testing.T) {
		base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			require.NoError(t, m.InsertBatteryWrite(ctx, "sm1", types.BatteryWrite{
				Timestamp:    base.Add(time.Duration(i) * time.Hour),
				DeviceID:     "dev1",
				ChangedField: types.FieldDischargeSOCLimit,
				Limits:       types.EcoLimits{DischargeSOCLimit: 10 + i, MorningSOCLimit: 80, ChargingSOCLimit: 90},
			}))
		}

		writes, err := m.GetBatteryWrites(ctx, "sm1", base, base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, writes, 2, "end bound is exclusive")
		assert.Equal(t, 10, writes[0].Limits.DischargeSOCLimit)
		assert.Equal(t, 11, writes[1].Limits.DischargeSOCLimit)

		writes, err = m.GetBatteryWrites(ctx, "other", base, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, writes)
	})
}
