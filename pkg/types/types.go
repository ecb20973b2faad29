package types

import "time"

// AccountConfig is one configured Solar Manager account. ID is the
// vendor-assigned account identifier (smId) that scopes every remote call.
type AccountConfig struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Password string `json:"password"`
	// APIKey, when set, switches the telemetry stream to Basic auth with this
	// pre-shared key instead of the OAuth bearer token.
	APIKey              string `json:"apiKey,omitempty"`
	ScanIntervalSeconds int    `json:"scanIntervalSeconds,omitempty"`
}

// TokenState is the OAuth session state for one account. Expiry already
// includes the safety margin, so the token is usable strictly before it.
type TokenState struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	TokenType    string    `json:"tokenType"`
	Expiry       time.Time `json:"expiry"`
}

// Snapshot is one complete reading of site-wide and per-device telemetry,
// normalized from the v3 stream. It is replaced wholesale each poll and never
// mutated in place. Readings the upstream omitted are nil. Energy counters
// arrive as kWh already and are not rescaled.
type Snapshot struct {
	Timestamp       string `json:"t,omitempty"`
	IntervalSeconds int    `json:"iv"`

	PVW               *float64 `json:"pW,omitempty"`
	ConsumptionW      *float64 `json:"cW,omitempty"`
	BatteryChargeW    *float64 `json:"bcW,omitempty"`
	BatteryDischargeW *float64 `json:"bdW,omitempty"`
	GridImportW       *float64 `json:"iW,omitempty"`
	GridExportW       *float64 `json:"eW,omitempty"`

	PVKWH               *float64 `json:"pWh,omitempty"`
	ConsumptionKWH      *float64 `json:"cWh,omitempty"`
	GridImportKWH       *float64 `json:"iWh,omitempty"`
	GridExportKWH       *float64 `json:"eWh,omitempty"`
	BatteryChargeKWH    *float64 `json:"bcWh,omitempty"`
	BatteryDischargeKWH *float64 `json:"bdWh,omitempty"`

	SOC *float64 `json:"soc,omitempty"`

	// BatteryW is charge minus discharge (+charging), GridW is import minus
	// export (+importing). Nil when both source readings are nil.
	BatteryW *float64 `json:"batW,omitempty"`
	GridW    *float64 `json:"gridW,omitempty"`

	Devices []DeviceTelemetry `json:"devices,omitempty"`
}

// DeviceTelemetry is the per-device record from the stream. Every field past
// the ID is optional; the upstream reports an arbitrary subset per device.
type DeviceTelemetry struct {
	ID              string   `json:"_id"`
	PowerW          *float64 `json:"power,omitempty"`
	SOC             *float64 `json:"soc,omitempty"`
	EnergyImportKWH *float64 `json:"iWh,omitempty"`
	EnergyExportKWH *float64 `json:"eWh,omitempty"`
	TemperatureC    *float64 `json:"temperature,omitempty"`
	Signal          string   `json:"signal,omitempty"`
	Active          *bool    `json:"active,omitempty"`
	DeviceState     *float64 `json:"deviceState,omitempty"`
	SwitchState     *float64 `json:"switchState,omitempty"`
}

// DeviceMeta is one entry of the device-metadata cache, keyed by the exact
// _id shared with the stream's device list. Raw keeps the full metadata
// record so control-path reads can recover current battery settings.
type DeviceMeta struct {
	ID   string         `json:"id"`
	Name string         `json:"name,omitempty"`
	Type string         `json:"type,omitempty"`
	Raw  map[string]any `json:"-"`
}

// Writable battery eco-limit fields.
const (
	FieldDischargeSOCLimit = "dischargeSocLimit"
	FieldMorningSOCLimit   = "morningSocLimit"
	FieldChargingSOCLimit  = "chargingSocLimit"
)

// EcoLimits are the three battery state-of-charge thresholds governing
// economy charge/discharge behavior. The remote API only accepts full
// updates, so all three are always written together.
type EcoLimits struct {
	DischargeSOCLimit int `json:"dischargeSocLimit"`
	MorningSOCLimit   int `json:"morningSocLimit"`
	ChargingSOCLimit  int `json:"chargingSocLimit"`
}

// BatteryWrite is an audit record of one battery-settings write.
type BatteryWrite struct {
	Timestamp    time.Time `json:"timestamp"`
	DeviceID     string    `json:"deviceID"`
	ChangedField string    `json:"changedField"`
	Limits       EcoLimits `json:"limits"`
}
