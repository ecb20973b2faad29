package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/solarbridge/solarbridge/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Database persists account configuration, cached session state, and an
// audit log of battery-setting writes.
type Database interface {
	// Accounts
	GetAccount(ctx context.Context, accountID string) (types.AccountConfig, error)
	ListAccounts(ctx context.Context) ([]types.AccountConfig, error)
	UpsertAccount(ctx context.Context, account types.AccountConfig) error

	// Session state, so a restart can reuse a still-valid refresh token.
	GetTokenState(ctx context.Context, accountID string) (types.TokenState, error)
	SetTokenState(ctx context.Context, accountID string, ts types.TokenState) error

	// Battery-write audit log
	InsertBatteryWrite(ctx context.Context, accountID string, w types.BatteryWrite) error
	GetBatteryWrites(ctx context.Context, accountID string, start, end time.Time) ([]types.BatteryWrite, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "memory", "Storage provider to use (available: firestore, memory)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "memory":
			p.Database = NewMemory()
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
