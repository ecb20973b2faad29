package exporter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/solarbridge/solarbridge/pkg/types"
)

// SnapshotSource is the read surface the collector consumes. It is satisfied
// by coordinator.Coordinator.
type SnapshotSource interface {
	AccountID() string
	Snapshot() *types.Snapshot
	DeviceName(deviceID string) string
}

// Collector implements prometheus.Collector over the coordinators' cached
// snapshots. Collect never touches the network; a scrape reports whatever
// the poll loop last published, so a slow cloud cannot stall /metrics.
type Collector struct {
	sources []SnapshotSource

	up *prometheus.Desc

	productionW       *prometheus.Desc
	consumptionW      *prometheus.Desc
	batteryChargeW    *prometheus.Desc
	batteryDischargeW *prometheus.Desc
	gridImportW       *prometheus.Desc
	gridExportW       *prometheus.Desc
	batteryW          *prometheus.Desc
	gridW             *prometheus.Desc
	batterySOC        *prometheus.Desc

	productionKWH       *prometheus.Desc
	consumptionKWH      *prometheus.Desc
	gridImportKWH       *prometheus.Desc
	gridExportKWH       *prometheus.Desc
	batteryChargeKWH    *prometheus.Desc
	batteryDischargeKWH *prometheus.Desc

	devicePowerW      *prometheus.Desc
	deviceSOC         *prometheus.Desc
	deviceTemperature *prometheus.Desc
	deviceActive      *prometheus.Desc
}

var accountLabels = []string{"account"}
var deviceLabels = []string{"account", "device", "name"}

// NewCollector creates a collector over the given coordinators.
func NewCollector(sources []SnapshotSource) *Collector {
	return &Collector{
		sources: sources,
		up: prometheus.NewDesc(
			"solarbridge_up",
			"Whether a telemetry snapshot is available for the account (1=yes, 0=no)",
			accountLabels, nil,
		),
		productionW: prometheus.NewDesc(
			"solarbridge_production_watts",
			"Current PV production in watts",
			accountLabels, nil,
		),
		consumptionW: prometheus.NewDesc(
			"solarbridge_consumption_watts",
			"Current site consumption in watts",
			accountLabels, nil,
		),
		batteryChargeW: prometheus.NewDesc(
			"solarbridge_battery_charge_watts",
			"Current battery charging power in watts",
			accountLabels, nil,
		),
		batteryDischargeW: prometheus.NewDesc(
			"solarbridge_battery_discharge_watts",
			"Current battery discharging power in watts",
			accountLabels, nil,
		),
		gridImportW: prometheus.NewDesc(
			"solarbridge_grid_import_watts",
			"Current grid import power in watts",
			accountLabels, nil,
		),
		gridExportW: prometheus.NewDesc(
			"solarbridge_grid_export_watts",
			"Current grid export power in watts",
			accountLabels, nil,
		),
		batteryW: prometheus.NewDesc(
			"solarbridge_battery_watts",
			"Net battery power in watts (positive=charging, negative=discharging)",
			accountLabels, nil,
		),
		gridW: prometheus.NewDesc(
			"solarbridge_grid_watts",
			"Net grid power in watts (positive=importing, negative=exporting)",
			accountLabels, nil,
		),
		batterySOC: prometheus.NewDesc(
			"solarbridge_battery_soc_percent",
			"Battery state of charge in percent",
			accountLabels, nil,
		),
		productionKWH: prometheus.NewDesc(
			"solarbridge_production_kwh_total",
			"Cumulative PV production in kilowatt-hours",
			accountLabels, nil,
		),
		consumptionKWH: prometheus.NewDesc(
			"solarbridge_consumption_kwh_total",
			"Cumulative site consumption in kilowatt-hours",
			accountLabels, nil,
		),
		gridImportKWH: prometheus.NewDesc(
			"solarbridge_grid_import_kwh_total",
			"Cumulative grid import in kilowatt-hours",
			accountLabels, nil,
		),
		gridExportKWH: prometheus.NewDesc(
			"solarbridge_grid_export_kwh_total",
			"Cumulative grid export in kilowatt-hours",
			accountLabels, nil,
		),
		batteryChargeKWH: prometheus.NewDesc(
			"solarbridge_battery_charge_kwh_total",
			"Cumulative battery charging in kilowatt-hours",
			accountLabels, nil,
		),
		batteryDischargeKWH: prometheus.NewDesc(
			"solarbridge_battery_discharge_kwh_total",
			"Cumulative battery discharging in kilowatt-hours",
			accountLabels, nil,
		),
		devicePowerW: prometheus.NewDesc(
			"solarbridge_device_power_watts",
			"Current device power in watts",
			deviceLabels, nil,
		),
		deviceSOC: prometheus.NewDesc(
			"solarbridge_device_soc_percent",
			"Device state of charge in percent",
			deviceLabels, nil,
		),
		deviceTemperature: prometheus.NewDesc(
			"solarbridge_device_temperature_celsius",
			"Device temperature in degrees Celsius",
			deviceLabels, nil,
		),
		deviceActive: prometheus.NewDesc(
			"solarbridge_device_active",
			"Whether the device reports itself active (1=yes, 0=no)",
			deviceLabels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.productionW
	ch <- c.consumptionW
	ch <- c.batteryChargeW
	ch <- c.batteryDischargeW
	ch <- c.gridImportW
	ch <- c.gridExportW
	ch <- c.batteryW
	ch <- c.gridW
	ch <- c.batterySOC
	ch <- c.productionKWH
	ch <- c.consumptionKWH
	ch <- c.gridImportKWH
	ch <- c.gridExportKWH
	ch <- c.batteryChargeKWH
	ch <- c.batteryDischargeKWH
	ch <- c.devicePowerW
	ch <- c.deviceSOC
	ch <- c.deviceTemperature
	ch <- c.deviceActive
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources {
		c.collectAccount(src, ch)
	}
}

func (c *Collector) collectAccount(src SnapshotSource, ch chan<- prometheus.Metric) {
	account := src.AccountID()
	snap := src.Snapshot()
	if snap == nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0, account)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1, account)

	gauge := func(desc *prometheus.Desc, v *float64) {
		if v != nil {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, *v, account)
		}
	}
	counter := func(desc *prometheus.Desc, v *float64) {
		if v != nil {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, *v, account)
		}
	}

	gauge(c.productionW, snap.PVW)
	gauge(c.consumptionW, snap.ConsumptionW)
	gauge(c.batteryChargeW, snap.BatteryChargeW)
	gauge(c.batteryDischargeW, snap.BatteryDischargeW)
	gauge(c.gridImportW, snap.GridImportW)
	gauge(c.gridExportW, snap.GridExportW)
	gauge(c.batteryW, snap.BatteryW)
	gauge(c.gridW, snap.GridW)
	gauge(c.batterySOC, snap.SOC)

	counter(c.productionKWH, snap.PVKWH)
	counter(c.consumptionKWH, snap.ConsumptionKWH)
	counter(c.gridImportKWH, snap.GridImportKWH)
	counter(c.gridExportKWH, snap.GridExportKWH)
	counter(c.batteryChargeKWH, snap.BatteryChargeKWH)
	counter(c.batteryDischargeKWH, snap.BatteryDischargeKWH)

	for _, dev := range snap.Devices {
		labels := []string{account, dev.ID, src.DeviceName(dev.ID)}
		if dev.PowerW != nil {
			ch <- prometheus.MustNewConstMetric(c.devicePowerW, prometheus.GaugeValue, *dev.PowerW, labels...)
		}
		if dev.SOC != nil {
			ch <- prometheus.MustNewConstMetric(c.deviceSOC, prometheus.GaugeValue, *dev.SOC, labels...)
		}
		if dev.TemperatureC != nil {
			ch <- prometheus.MustNewConstMetric(c.deviceTemperature, prometheus.GaugeValue, *dev.TemperatureC, labels...)
		}
		if dev.Active != nil {
			active := 0.0
			if *dev.Active {
				active = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.deviceActive, prometheus.GaugeValue, active, labels...)
		}
	}
}
