package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// systemCollector reports host resource usage on every scrape.
type systemCollector struct {
	dataDir     string
	cpuUsage    *prometheus.Desc
	memoryUsage *prometheus.Desc
	diskUsage   *prometheus.Desc
	diskFree    *prometheus.Desc
	goroutines  *prometheus.Desc
}

// NewSystemCollector creates a collector for host CPU, memory and the disk
// holding dataDir.
func NewSystemCollector(dataDir string) prometheus.Collector {
	return &systemCollector{
		dataDir: dataDir,
		cpuUsage: prometheus.NewDesc(
			namespace+"_system_cpu_usage_percent",
			"Host CPU usage percentage",
			nil, nil,
		),
		memoryUsage: prometheus.NewDesc(
			namespace+"_system_memory_usage_percent",
			"Host memory usage percentage",
			nil, nil,
		),
		diskUsage: prometheus.NewDesc(
			namespace+"_system_disk_usage_percent",
			"Usage percentage of the disk holding the data directory",
			nil, nil,
		),
		diskFree: prometheus.NewDesc(
			namespace+"_system_disk_free_bytes",
			"Free bytes on the disk holding the data directory",
			nil, nil,
		),
		goroutines: prometheus.NewDesc(
			namespace+"_runtime_goroutines",
			"Number of goroutines",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *systemCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuUsage
	ch <- c.memoryUsage
	ch <- c.diskUsage
	ch <- c.diskFree
	ch <- c.goroutines
}

// Collect implements prometheus.Collector. Sources that fail are skipped.
func (c *systemCollector) Collect(ch chan<- prometheus.Metric) {
	// Zero interval compares against the previous call instead of sleeping.
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		ch <- prometheus.MustNewConstMetric(c.cpuUsage, prometheus.GaugeValue, percentages[0])
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memoryUsage, prometheus.GaugeValue, vm.UsedPercent)
	}

	if c.dataDir != "" {
		if usage, err := disk.Usage(c.dataDir); err == nil {
			ch <- prometheus.MustNewConstMetric(c.diskUsage, prometheus.GaugeValue, usage.UsedPercent)
			ch <- prometheus.MustNewConstMetric(c.diskFree, prometheus.GaugeValue, float64(usage.Free))
		}
	}

	ch <- prometheus.MustNewConstMetric(c.goroutines, prometheus.GaugeValue, float64(runtime.NumGoroutine()))
}
