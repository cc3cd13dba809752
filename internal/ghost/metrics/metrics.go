// Package metrics holds the prometheus collectors of the replication core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Config struct {
	// Namespace is the metrics namespace (default: "ghostsync").
	Namespace string
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

type Metrics struct {
	PacketsDecoded   prometheus.Counter
	PacketBits       prometheus.Histogram
	GhostsUpdated    prometheus.Counter
	GhostsSpawned    prometheus.Counter
	GhostsDespawned  prometheus.Counter
	Desyncs          *prometheus.CounterVec
	ProtocolErrors   prometheus.Counter
	PacketsEncoded   prometheus.Counter
	BackupBlobs      prometheus.Gauge
	BackupBytes      prometheus.Gauge
	BackupCaptures   prometheus.Counter
	PredictionSteps  prometheus.Counter
	PredictionBatch  prometheus.Histogram
	Rollbacks        prometheus.Counter
	ConnectedClients prometheus.Gauge
}

func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "ghostsync"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)
	ns := cfg.Namespace

	return &Metrics{
		PacketsDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "wire", Name: "packets_decoded_total",
			Help: "Snapshot packets decoded",
		}),
		PacketBits: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "wire", Name: "packet_bits",
			Help:    "Encoded size of snapshot packets in bits",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10),
		}),
		GhostsUpdated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "wire", Name: "ghosts_updated_total",
			Help: "Ghost snapshots written to history",
		}),
		GhostsSpawned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "wire", Name: "ghosts_spawned_total",
			Help: "Ghosts staged for spawn",
		}),
		GhostsDespawned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "wire", Name: "ghosts_despawned_total",
			Help: "Ghosts removed by despawn",
		}),
		Desyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "wire", Name: "desyncs_total",
			Help: "Decode desyncs by cause",
		}, []string{"cause"}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "wire", Name: "protocol_errors_total",
			Help: "Packets rejected as protocol violations",
		}),
		PacketsEncoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "wire", Name: "packets_encoded_total",
			Help: "Snapshot packets encoded",
		}),
		BackupBlobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "predict", Name: "backup_blobs",
			Help: "Live prediction backup blobs",
		}),
		BackupBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "predict", Name: "backup_bytes",
			Help: "Bytes held by prediction backup blobs",
		}),
		BackupCaptures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "predict", Name: "backup_captures_total",
			Help: "Storage block captures",
		}),
		PredictionSteps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "predict", Name: "steps_total",
			Help: "Prediction simulation steps run",
		}),
		PredictionBatch: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "predict", Name: "batch_ticks",
			Help:    "Ticks covered per prediction step",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "predict", Name: "rollbacks_total",
			Help: "Frames that rolled predicted state back",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "transport", Name: "connected_clients",
			Help: "Open client connections",
		}),
	}
}

func (m *Metrics) Decoded(bits, updated, spawned, despawned int) {
	if m == nil {
		return
	}
	m.PacketsDecoded.Inc()
	m.PacketBits.Observe(float64(bits))
	m.GhostsUpdated.Add(float64(updated))
	m.GhostsSpawned.Add(float64(spawned))
	m.GhostsDespawned.Add(float64(despawned))
}

func (m *Metrics) Desync(cause string) {
	if m == nil {
		return
	}
	m.Desyncs.WithLabelValues(cause).Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

func (m *Metrics) Encoded(bits int) {
	if m == nil {
		return
	}
	m.PacketsEncoded.Inc()
	m.PacketBits.Observe(float64(bits))
}

func (m *Metrics) Backup(blobs, bytes int) {
	if m == nil {
		return
	}
	m.BackupBlobs.Set(float64(blobs))
	m.BackupBytes.Set(float64(bytes))
}

func (m *Metrics) Captured(n int) {
	if m == nil {
		return
	}
	m.BackupCaptures.Add(float64(n))
}

func (m *Metrics) Step(batch int) {
	if m == nil {
		return
	}
	m.PredictionSteps.Inc()
	m.PredictionBatch.Observe(float64(batch))
}

func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.Rollbacks.Inc()
}

func (m *Metrics) Connected(delta int) {
	if m == nil {
		return
	}
	m.ConnectedClients.Add(float64(delta))
}
