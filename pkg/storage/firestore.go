package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/solarbridge/solarbridge/pkg/log"
	"github.com/solarbridge/solarbridge/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Accounts live under accounts/{accountID}; each account document
// has a session subcollection for token state and a writes subcollection for
// the battery-write audit log.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID may be empty if it can be inferred from the environment.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) accountDoc(accountID string) (*firestore.DocumentRef, error) {
	if accountID == "" {
		return nil, fmt.Errorf("accountID cannot be empty")
	}
	return f.client.Collection("accounts").Doc(accountID), nil
}

func jsonField(doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("'json' field is not a string")
	}
	return json.Unmarshal([]byte(jsonStr), dest)
}

// GetAccount retrieves one account config entry.
func (f *FirestoreProvider) GetAccount(ctx context.Context, accountID string) (types.AccountConfig, error) {
	ref, err := f.accountDoc(accountID)
	if err != nil {
		return types.AccountConfig{}, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.AccountConfig{}, ErrNotFound
		}
		return types.AccountConfig{}, fmt.Errorf("failed to fetch account doc: %w", err)
	}

	var a types.AccountConfig
	if err := jsonField(doc, &a); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "bad account doc", slog.String("accountID", accountID), slog.Any("error", err))
		return types.AccountConfig{}, err
	}
	return a, nil
}

// ListAccounts returns all configured accounts.
func (f *FirestoreProvider) ListAccounts(ctx context.Context) ([]types.AccountConfig, error) {
	iter := f.client.Collection("accounts").Documents(ctx)
	defer iter.Stop()

	var accounts []types.AccountConfig
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate accounts: %w", err)
		}
		var a types.AccountConfig
		if err := jsonField(doc, &a); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping bad account doc", slog.String("doc", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// UpsertAccount creates or replaces one account config entry.
func (f *FirestoreProvider) UpsertAccount(ctx context.Context, account types.AccountConfig) error {
	ref, err := f.accountDoc(account.ID)
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if _, err := ref.Set(ctx, map[string]interface{}{"json": string(jsonBytes)}); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GetTokenState retrieves the cached session state for one account.
func (f *FirestoreProvider) GetTokenState(ctx context.Context, accountID string) (types.TokenState, error) {
	ref, err := f.accountDoc(accountID)
	if err != nil {
		return types.TokenState{}, err
	}
	doc, err := ref.Collection("session").Doc("tokens").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.TokenState{}, ErrNotFound
		}
		return types.TokenState{}, fmt.Errorf("failed to fetch token doc: %w", err)
	}

	var ts types.TokenState
	if err := jsonField(doc, &ts); err != nil {
		return types.TokenState{}, err
	}
	return ts, nil
}

// SetTokenState saves the session state for one account.
func (f *FirestoreProvider) SetTokenState(ctx context.Context, accountID string, ts types.TokenState) error {
	ref, err := f.accountDoc(accountID)
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("failed to marshal token state: %w", err)
	}
	if _, err := ref.Collection("session").Doc("tokens").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"updated": time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to save token state: %w", err)
	}
	return nil
}

// InsertBatteryWrite appends one audit record, keyed by its timestamp.
func (f *FirestoreProvider) InsertBatteryWrite(ctx context.Context, accountID string, w types.BatteryWrite) error {
	ref, err := f.accountDoc(accountID)
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal battery write: %w", err)
	}
	docID := w.Timestamp.UTC().Format(time.RFC3339Nano)
	if _, err := ref.Collection("writes").Doc(docID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
		"ts":   w.Timestamp,
	}); err != nil {
		return fmt.Errorf("failed to save battery write: %w", err)
	}
	return nil
}

// GetBatteryWrites returns audit records in [start, end), oldest first.
func (f *FirestoreProvider) GetBatteryWrites(ctx context.Context, accountID string, start, end time.Time) ([]types.BatteryWrite, error) {
	ref, err := f.accountDoc(accountID)
	if err != nil {
		return nil, err
	}
	iter := ref.Collection("writes").
		Where("ts", ">=", start).
		Where("ts", "<", end).
		OrderBy("ts", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var writes []types.BatteryWrite
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate battery writes: %w", err)
		}
		var w types.BatteryWrite
		if err := jsonField(doc, &w); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping bad battery write doc", slog.String("doc", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		writes = append(writes, w)
	}
	return writes, nil
}
