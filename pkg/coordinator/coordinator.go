package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solarbridge/solarbridge/pkg/cloud"
	"github.com/solarbridge/solarbridge/pkg/log"
	"github.com/solarbridge/solarbridge/pkg/storage"
	"github.com/solarbridge/solarbridge/pkg/types"
)

const (
	// DefaultScanInterval matches the upstream reporting interval.
	DefaultScanInterval = 10 * time.Second

	// background metadata refresh cadence during polls
	metaRefreshInterval = 30 * time.Minute
	// control-path reads force a metadata refresh past this age
	metaFreshness = 30 * time.Second

	batteryModeEco = 1
)

// Defaults applied when an eco-limit field is absent or non-numeric in the
// cached metadata.
const (
	defaultDischargeSOCLimit = 10
	defaultMorningSOCLimit   = 80
	defaultChargingSOCLimit  = 90
)

// UpdateFailedError is the single failure signal a poll produces. Remote-call
// failures never propagate raw past the poll boundary.
type UpdateFailedError struct {
	Message string
	Err     error
}

func (e *UpdateFailedError) Error() string {
	return "update failed: " + e.Message
}

func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}

// Options configures a Coordinator.
type Options struct {
	// DB, when set, persists token state across restarts and records an audit
	// log of battery writes. Best-effort: storage failures never fail a poll.
	DB storage.Database
	// Interval between polls; DefaultScanInterval when zero.
	Interval time.Duration
	// OnSnapshot is invoked after every successful poll with the published
	// snapshot. Called outside the coordinator's lock.
	OnSnapshot func(accountID string, snap *types.Snapshot)
}

// Coordinator drives the poll cycle for one account: it owns the cloud
// client, normalizes the telemetry stream into snapshots, maintains the
// device-metadata cache, and serves the read/write surface consumed by
// presentation adapters. The mutex serializes polls and adapter access,
// reproducing the single-flight execution the host scheduler would provide.
type Coordinator struct {
	mu     sync.Mutex
	client *cloud.Client
	db     storage.Database

	accountID  string
	interval   time.Duration
	onSnapshot func(accountID string, snap *types.Snapshot)

	// ready is false until one-time setup (login + initial metadata load)
	// has succeeded; setup is retried on every refresh until then.
	ready bool

	// snapshot and deviceMeta are replaced wholesale, never mutated in
	// place, so readers always observe a complete generation.
	snapshot   *types.Snapshot
	deviceMeta map[string]types.DeviceMeta
	metaLast   time.Time

	lastPersisted types.TokenState

	refreshCh chan struct{}
	now       func() time.Time
}

// New creates a Coordinator around the given cloud client.
func New(client *cloud.Client, opts Options) *Coordinator {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Coordinator{
		client:     client,
		db:         opts.DB,
		accountID:  client.AccountID(),
		interval:   interval,
		onSnapshot: opts.OnSnapshot,
		deviceMeta: make(map[string]types.DeviceMeta),
		refreshCh:  make(chan struct{}, 1),
		now:        time.Now,
	}
}

// AccountID returns the account this coordinator polls.
func (c *Coordinator) AccountID() string {
	return c.accountID
}

// Interval returns the effective poll interval.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// Run polls on the configured interval until the context is canceled.
// Requested refreshes (RequestRefresh) run immediately instead of waiting
// for the next tick. Poll failures are logged and retried next cycle.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx = log.WithAccount(ctx, c.accountID)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.Refresh(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "refresh failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.refreshCh:
		}
	}
}

// RequestRefresh asks the run loop to poll as soon as possible. It never
// blocks; if a refresh is already pending the request is coalesced.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Refresh performs one poll: setup if needed, fetch and normalize the
// stream, refresh stale metadata, and publish the new snapshot. On failure
// the previously published snapshot stays the last-known-good value.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	err := c.refreshLocked(ctx)
	snap := c.snapshot
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if c.onSnapshot != nil && snap != nil {
		c.onSnapshot(c.accountID, snap)
	}
	return nil
}

func (c *Coordinator) refreshLocked(ctx context.Context) error {
	err := func() error {
		if err := c.setupLocked(ctx); err != nil {
			return err
		}

		raw, err := c.client.StreamSnapshot(ctx)
		if err != nil {
			return err
		}
		snap := normalize(raw)

		if c.now().Sub(c.metaLast) > metaRefreshInterval {
			c.loadDeviceMetaLocked(ctx)
		}

		c.snapshot = snap
		c.persistTokensLocked(ctx)
		return nil
	}()
	if err == nil {
		return nil
	}

	var authErr *cloud.AuthError
	var rateErr *cloud.RateLimitError
	var apiErr *cloud.APIError
	if errors.As(err, &authErr) || errors.As(err, &rateErr) || errors.As(err, &apiErr) {
		return &UpdateFailedError{Message: err.Error(), Err: err}
	}

	log.Ctx(ctx).ErrorContext(ctx, "unexpected error in update",
		slog.String("accountID", c.accountID),
		slog.Any("error", err),
	)
	return &UpdateFailedError{Message: fmt.Sprintf("unexpected: %v", err), Err: err}
}

// setupLocked performs one-time setup: restore any persisted session, log in
// when there is nothing to restore, and do the initial metadata load. The
// coordinator stays uninitialized if login fails, so the next cycle retries.
func (c *Coordinator) setupLocked(ctx context.Context) error {
	if c.ready {
		return nil
	}

	var restored bool
	if c.db != nil {
		ts, err := c.db.GetTokenState(ctx, c.accountID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Ctx(ctx).DebugContext(ctx, "could not read persisted token state", slog.Any("error", err))
		}
		if err == nil && (ts.AccessToken != "" || ts.RefreshToken != "") {
			c.client.RestoreTokenState(ts)
			c.lastPersisted = ts
			restored = true
			log.Ctx(ctx).DebugContext(ctx, "restored persisted session", slog.String("accountID", c.accountID))
		}
	}

	if !restored {
		if err := c.client.Login(ctx); err != nil {
			return err
		}
	}

	c.loadDeviceMetaLocked(ctx)
	c.ready = true
	c.persistTokensLocked(ctx)
	return nil
}

func (c *Coordinator) persistTokensLocked(ctx context.Context) {
	if c.db == nil {
		return
	}
	ts := c.client.TokenState()
	if ts == c.lastPersisted || ts.AccessToken == "" {
		return
	}
	if err := c.db.SetTokenState(ctx, c.accountID, ts); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist token state",
			slog.String("accountID", c.accountID),
			slog.Any("error", err),
		)
		return
	}
	c.lastPersisted = ts
}

// loadDeviceMetaLocked rebuilds the device-metadata cache from
// /v1/info/sensors. The cache is replaced wholesale; a device absent from
// this pass disappears. Failures are logged and swallowed, because metadata
// is best-effort enrichment and must never fail a poll.
func (c *Coordinator) loadDeviceMetaLocked(ctx context.Context) {
	raw, err := c.client.ListSensors(ctx)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "could not fetch device metadata",
			slog.String("accountID", c.accountID),
			slog.Any("error", err),
		)
		return
	}

	// tolerate both a bare array and an object wrapping an items array
	items := raw
	if m, ok := raw.(map[string]any); ok {
		items = m["items"]
	}
	list, _ := items.([]any)

	meta := make(map[string]types.DeviceMeta, len(list))
	for _, it := range list {
		d, ok := it.(map[string]any)
		if !ok {
			continue
		}
		id := strVal(d["_id"])
		if id == "" {
			continue
		}

		typ := strVal(d["type"])
		if typ == "" {
			typ = strVal(d["device_type"])
		}

		// name priority: explicit name, then tag.name, then a type-based
		// fallback
		friendly := strVal(d["name"])
		if friendly == "" {
			if tag, ok := d["tag"].(map[string]any); ok {
				friendly = strVal(tag["name"])
			}
		}
		if friendly == "" && typ != "" {
			if group := strVal(d["device_group"]); group != "" {
				friendly = typ + " (" + group + ")"
			} else {
				friendly = typ
			}
		}

		meta[id] = types.DeviceMeta{ID: id, Name: friendly, Type: typ, Raw: d}
	}

	c.deviceMeta = meta
	c.metaLast = c.now()
	log.Ctx(ctx).DebugContext(ctx, "loaded device metadata",
		slog.String("accountID", c.accountID),
		slog.Int("count", len(meta)),
	)
}

// Snapshot returns the latest complete snapshot, or nil if no poll has
// succeeded yet.
func (c *Coordinator) Snapshot() *types.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// DeviceName returns the friendly name for a device, or "" if unknown.
// Lookup is by exact identifier; there is no fuzzy matching.
func (c *Coordinator) DeviceName(deviceID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceMeta[deviceID].Name
}

// DeviceMeta returns the current metadata cache. The returned map is a
// complete generation that is never mutated after publication; callers must
// not modify it.
func (c *Coordinator) DeviceMeta() map[string]types.DeviceMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceMeta
}

// DeviceDetail fetches the full sensor record for one device from the cloud.
func (c *Coordinator) DeviceDetail(ctx context.Context, deviceID string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.SensorDetail(ctx, deviceID)
}

// RefreshDeviceMeta reloads the metadata cache immediately and requests a
// fresh poll, e.g. after an external settings change.
func (c *Coordinator) RefreshDeviceMeta(ctx context.Context) {
	c.mu.Lock()
	c.loadDeviceMetaLocked(ctx)
	c.mu.Unlock()
	c.RequestRefresh()
}

// BatteryEcoSettings returns the current eco limits for one device from the
// cached metadata, refreshing the cache first when it is older than the
// control-path freshness threshold. Absent or non-numeric fields fall back
// to their defaults independently.
func (c *Coordinator) BatteryEcoSettings(ctx context.Context, deviceID string) types.EcoLimits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batteryEcoSettingsLocked(ctx, deviceID)
}

func (c *Coordinator) batteryEcoSettingsLocked(ctx context.Context, deviceID string) types.EcoLimits {
	if c.now().Sub(c.metaLast) > metaFreshness {
		c.loadDeviceMetaLocked(ctx)
	}
	data, _ := c.deviceMeta[deviceID].Raw["data"].(map[string]any)
	return types.EcoLimits{
		DischargeSOCLimit: intOr(data[types.FieldDischargeSOCLimit], defaultDischargeSOCLimit),
		MorningSOCLimit:   intOr(data[types.FieldMorningSOCLimit], defaultMorningSOCLimit),
		ChargingSOCLimit:  intOr(data[types.FieldChargingSOCLimit], defaultChargingSOCLimit),
	}
}

// SetBatteryEco overwrites one eco-limit field for a device. The remote API
// does not support partial updates, so the current triple is re-read and all
// three limits are sent together with the eco mode flag. After a successful
// write the metadata cache is reloaded and a fresh poll is requested so
// readers observe the new setting quickly. Write failures propagate to the
// caller; this is the one path where failures are not absorbed.
func (c *Coordinator) SetBatteryEco(ctx context.Context, deviceID, field string, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	eco := c.batteryEcoSettingsLocked(ctx, deviceID)
	switch field {
	case types.FieldDischargeSOCLimit:
		eco.DischargeSOCLimit = value
	case types.FieldMorningSOCLimit:
		eco.MorningSOCLimit = value
	case types.FieldChargingSOCLimit:
		eco.ChargingSOCLimit = value
	default:
		return fmt.Errorf("unknown battery eco field: %q", field)
	}

	payload := map[string]any{
		"batteryMode":                batteryModeEco,
		types.FieldDischargeSOCLimit: eco.DischargeSOCLimit,
		types.FieldMorningSOCLimit:   eco.MorningSOCLimit,
		types.FieldChargingSOCLimit:  eco.ChargingSOCLimit,
	}

	log.Ctx(ctx).InfoContext(ctx, "writing battery eco settings",
		slog.String("accountID", c.accountID),
		slog.String("deviceID", deviceID),
		slog.String("field", field),
		slog.Int("value", value),
	)
	if err := c.client.PutBatterySettings(ctx, deviceID, payload); err != nil {
		return err
	}

	c.loadDeviceMetaLocked(ctx)

	if c.db != nil {
		w := types.BatteryWrite{
			Timestamp:    c.now(),
			DeviceID:     deviceID,
			ChangedField: field,
			Limits:       eco,
		}
		if err := c.db.InsertBatteryWrite(ctx, c.accountID, w); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to record battery write", slog.Any("error", err))
		}
	}

	c.RequestRefresh()
	return nil
}
