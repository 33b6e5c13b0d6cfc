// Package metrics exposes array health to prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

const namespace = "mdraid"

// statusTimeout bounds how long a scrape waits for one array's reconfiguration lock.
const statusTimeout = 2 * time.Second

// Collector reports every array of a registry on each scrape.
type Collector struct {
	reg *md.Registry
	log logrus.FieldLogger

	arrayState    *prometheus.Desc
	raidDisks     *prometheus.Desc
	activeDisks   *prometheus.Desc
	degraded      *prometheus.Desc
	sizeBytes     *prometheus.Desc
	events        *prometheus.Desc
	syncCompleted *prometheus.Desc
	syncMax       *prometheus.Desc
	syncSpeed     *prometheus.Desc
	mismatches    *prometheus.Desc
	bitmapChunks  *prometheus.Desc
	bitmapDirty   *prometheus.Desc
	deviceState   *prometheus.Desc
	corrected     *prometheus.Desc
	badBlocks     *prometheus.Desc
}

// NewCollector returns a collector over reg.
func NewCollector(reg *md.Registry, log logrus.FieldLogger) *Collector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	array := []string{"array"}
	dev := []string{"array", "device", "slot"}
	desc := func(sub, name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, labels, nil)
	}
	return &Collector{
		reg: reg,
		log: log.WithField("component", "metrics"),

		arrayState:    desc("array", "state", "Array state, 1 for the current state", []string{"array", "level", "state"}),
		raidDisks:     desc("array", "raid_disks", "Number of member slots", array),
		activeDisks:   desc("array", "active_disks", "Number of in-sync members", array),
		degraded:      desc("array", "degraded", "Number of missing or failed members", array),
		sizeBytes:     desc("array", "size_bytes", "Exported array size in bytes", array),
		events:        desc("array", "events_total", "Superblock event counter", array),
		syncCompleted: desc("sync", "completed_sectors", "Sectors completed by the running sync action", []string{"array", "action"}),
		syncMax:       desc("sync", "max_sectors", "Sectors covered by the running sync action", []string{"array", "action"}),
		syncSpeed:     desc("sync", "speed_bytes_per_second", "Current sync speed", array),
		mismatches:    desc("sync", "mismatch_sectors", "Sectors found to differ by the last check or repair", array),
		bitmapChunks:  desc("bitmap", "chunks", "Chunks tracked by the write-intent bitmap", array),
		bitmapDirty:   desc("bitmap", "dirty_chunks", "Chunks with writes in flight or pending resync", array),
		deviceState:   desc("device", "state", "Member state, 1 for each state flag set", append(dev, "state")),
		corrected:     desc("device", "corrected_errors_total", "Read errors corrected by rewriting", dev),
		badBlocks:     desc("device", "bad_blocks", "Ranges in the member's bad block list", dev),
	}
}

// Describe sends the super set of all possible descriptors of metrics
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.arrayState, c.raidDisks, c.activeDisks, c.degraded, c.sizeBytes, c.events,
		c.syncCompleted, c.syncMax, c.syncSpeed, c.mismatches,
		c.bitmapChunks, c.bitmapDirty,
		c.deviceState, c.corrected, c.badBlocks,
	} {
		ch <- d
	}
}

// Collect is called by the Prometheus registry when collecting metrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, a := range c.reg.Arrays() {
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		s, err := a.Status(ctx)
		cancel()
		if err != nil {
			c.log.WithError(err).WithField("array", a.DevName()).Debug("skipping array")
			continue
		}
		c.publishArray(s, ch)
	}
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
}

func (c *Collector) publishArray(s *md.ArrayStatus, ch chan<- prometheus.Metric) {
	name := s.Device

	gauge(ch, c.arrayState, 1, name, s.Level, s.State)
	gauge(ch, c.raidDisks, float64(s.RaidDisks), name)
	gauge(ch, c.activeDisks, float64(s.ActiveDisks), name)
	gauge(ch, c.degraded, float64(s.Degraded), name)
	gauge(ch, c.sizeBytes, float64(s.ArraySectors*types.SectorSize), name)
	counter(ch, c.events, float64(s.Events), name)
	gauge(ch, c.mismatches, float64(s.MismatchCount), name)

	if s.Syncing() {
		gauge(ch, c.syncCompleted, float64(s.SyncCompleted), name, s.SyncAction)
		gauge(ch, c.syncMax, float64(s.SyncMax), name, s.SyncAction)
		gauge(ch, c.syncSpeed, float64(s.SyncSpeed*1024), name)
	}

	if s.Bitmap != nil {
		gauge(ch, c.bitmapChunks, float64(s.Bitmap.Chunks), name)
		gauge(ch, c.bitmapDirty, float64(s.Bitmap.DirtyChunks), name)
	}

	for _, d := range s.Devices {
		slot := strconv.Itoa(d.Slot)
		for _, st := range d.State {
			gauge(ch, c.deviceState, 1, name, d.Path, slot, st)
		}
		counter(ch, c.corrected, float64(d.CorrectedErrors), name, d.Path, slot)
		gauge(ch, c.badBlocks, float64(d.BadBlocks), name, d.Path, slot)
	}
}

// Handler serves the registry's metrics on a dedicated prometheus registry, together with the
// Go runtime and process collectors.
func Handler(reg *md.Registry, log logrus.FieldLogger) (http.Handler, error) {
	registry := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		NewCollector(reg, log),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}
