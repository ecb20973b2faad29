package coordinator

import (
	"fmt"
	"strconv"

	"github.com/solarbridge/solarbridge/pkg/types"
)

// normalize converts one raw gateway stream payload into a Snapshot. Absent
// or non-numeric readings stay nil rather than becoming zero, so consumers
// can tell "not reported" from "reporting zero". Energy counters pass
// through in the gateway's native kWh without rescaling.
func normalize(raw map[string]any) *types.Snapshot {
	snap := &types.Snapshot{
		Timestamp:       strVal(raw["t"]),
		IntervalSeconds: intOr(raw["iv"], 0),

		PVW:               numVal(raw["pW"]),
		ConsumptionW:      numVal(raw["cW"]),
		BatteryChargeW:    numVal(raw["bcW"]),
		BatteryDischargeW: numVal(raw["bdW"]),
		GridImportW:       numVal(raw["iW"]),
		GridExportW:       numVal(raw["eW"]),

		PVKWH:               numVal(raw["pWh"]),
		ConsumptionKWH:      numVal(raw["cWh"]),
		GridImportKWH:       numVal(raw["iWh"]),
		GridExportKWH:       numVal(raw["eWh"]),
		BatteryChargeKWH:    numVal(raw["bcWh"]),
		BatteryDischargeKWH: numVal(raw["bdWh"]),

		SOC: numVal(raw["soc"]),
	}

	// derived flows: positive battery power is charging, positive grid
	// power is importing; nil only when both inputs are absent
	snap.BatteryW = diff(snap.BatteryChargeW, snap.BatteryDischargeW)
	snap.GridW = diff(snap.GridImportW, snap.GridExportW)

	snap.Devices = normalizeDevices(raw["devices"])
	return snap
}

func normalizeDevices(raw any) []types.DeviceTelemetry {
	// tolerate both a bare array and an object wrapping an items array
	if m, ok := raw.(map[string]any); ok {
		raw = m["items"]
	}
	list, _ := raw.([]any)

	var devices []types.DeviceTelemetry
	for _, it := range list {
		d, ok := it.(map[string]any)
		if !ok {
			continue
		}
		id := strVal(d["_id"])
		if id == "" {
			// a record with no identifier cannot be addressed; drop it
			continue
		}
		devices = append(devices, types.DeviceTelemetry{
			ID:              id,
			PowerW:          numVal(d["power"]),
			SOC:             numVal(d["soc"]),
			EnergyImportKWH: numVal(d["iWh"]),
			EnergyExportKWH: numVal(d["eWh"]),
			TemperatureC:    numVal(d["temperature"]),
			Signal:          strVal(d["signal"]),
			Active:          boolVal(d["activeDevice"]),
			DeviceState:     numVal(d["deviceState"]),
			SwitchState:     numVal(d["switchState"]),
		})
	}
	return devices
}

// diff returns *(a - b), treating a missing operand as zero. Nil only when
// both operands are missing.
func diff(a, b *float64) *float64 {
	if a == nil && b == nil {
		return nil
	}
	var av, bv float64
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	v := av - bv
	return &v
}

// numVal extracts a numeric reading. JSON decoding yields float64 for all
// numbers; int covers values injected by tests. The upstream occasionally
// string-encodes readings, so numeric strings parse too.
func numVal(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return &f
		}
	}
	return nil
}

func strVal(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		// identifiers occasionally arrive as bare numbers
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	}
	return ""
}

func boolVal(v any) *bool {
	switch b := v.(type) {
	case bool:
		return &b
	case float64:
		t := b != 0
		return &t
	}
	return nil
}

// intOr extracts an integer setting, falling back when the value is absent
// or non-numeric. String-encoded integers parse; anything else falls back.
func intOr(v any, fallback int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return fallback
}
