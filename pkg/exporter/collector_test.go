package exporter

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/solarbridge/solarbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	accountID string
	snap      *types.Snapshot
	names     map[string]string
}

func (f *fakeSource) AccountID() string               { return f.accountID }
func (f *fakeSource) Snapshot() *types.Snapshot       { return f.snap }
func (f *fakeSource) DeviceName(deviceID string) string { return f.names[deviceID] }

func fptr(v float64) *float64 { return &v }

func TestCollector(t *testing.T) {
	t.Run("NoSnapshotReportsDown", func(t *testing.T) {
		c := NewCollector([]SnapshotSource{&fakeSource{accountID: "sm1"}})

		expected := `
# HELP solarbridge_up Whether a telemetry snapshot is available for the account (1=yes, 0=no)
# TYPE solarbridge_up gauge
solarbridge_up{account="sm1"} 0
`
		require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "solarbridge_up"))
		assert.Equal(t, 1, testutil.CollectAndCount(c), "only the up metric without a snapshot")
	})

	t.Run("SiteMetrics", func(t *testing.T) {
		active := true
		src := &fakeSource{
			accountID: "sm1",
			snap: &types.Snapshot{
				PVW:          fptr(1000),
				ConsumptionW: fptr(400),
				BatteryW:     fptr(200),
				GridW:        fptr(-600),
				SOC:          fptr(55),
				PVKWH:        fptr(12.5),
				Devices: []types.DeviceTelemetry{
					{ID: "bat1", PowerW: fptr(250), SOC: fptr(55), Active: &active},
				},
			},
			names: map[string]string{"bat1": "Garage Battery"},
		}
		c := NewCollector([]SnapshotSource{src})

		expected := `
# HELP solarbridge_production_watts Current PV production in watts
# TYPE solarbridge_production_watts gauge
solarbridge_production_watts{account="sm1"} 1000
# HELP solarbridge_grid_watts Net grid power in watts (positive=importing, negative=exporting)
# TYPE solarbridge_grid_watts gauge
solarbridge_grid_watts{account="sm1"} -600
# HELP solarbridge_production_kwh_total Cumulative PV production in kilowatt-hours
# TYPE solarbridge_production_kwh_total counter
solarbridge_production_kwh_total{account="sm1"} 12.5
# HELP solarbridge_device_power_watts Current device power in watts
# TYPE solarbridge_device_power_watts gauge
solarbridge_device_power_watts{account="sm1",device="bat1",name="Garage Battery"} 250
# HELP solarbridge_device_active Whether the device reports itself active (1=yes, 0=no)
# TYPE solarbridge_device_active gauge
solarbridge_device_active{account="sm1",device="bat1",name="Garage Battery"} 1
`
		require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
			"solarbridge_production_watts",
			"solarbridge_grid_watts",
			"solarbridge_production_kwh_total",
			"solarbridge_device_power_watts",
			"solarbridge_device_active",
		))
	})

	t.Run("NilReadingsOmitted", func(t *testing.T) {
		src := &fakeSource{
			accountID: "sm1",
			snap:      &types.Snapshot{PVW: fptr(500)},
		}
		c := NewCollector([]SnapshotSource{src})
		// up + production only
		assert.Equal(t, 2, testutil.CollectAndCount(c))
	})

	t.Run("MultipleAccounts", func(t *testing.T) {
		c := NewCollector([]SnapshotSource{
			&fakeSource{accountID: "sm1", snap: &types.Snapshot{PVW: fptr(1)}},
			&fakeSource{accountID: "sm2"},
		})
		// sm1: up + production, sm2: up
		assert.Equal(t, 3, testutil.CollectAndCount(c))
	})
}
