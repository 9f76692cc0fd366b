package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	DiffsAppliedTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "depth_diffs_applied_total", Help: "Depth diffs applied to the local book"})
	DiffsStaleTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "depth_diffs_stale_total", Help: "Depth diffs discarded as stale (u < cursor)"})
	DiffsBufferedTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "depth_diffs_buffered_total", Help: "Depth diffs buffered while unsynced"})
	DiffsDroppedTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "depth_diffs_dropped_total", Help: "Depth diffs received while disconnected"})
	BufferTrimsTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "depth_buffer_trims_total", Help: "Pre-sync buffer trims"})
	ResyncsTotal        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_resyncs_total", Help: "Book resets by reason"}, []string{"reason"})
	SnapshotFetchTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "snapshot_fetch_total", Help: "Snapshot fetch attempts by result"}, []string{"result"})
	SyncAttemptsTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_attempts_total", Help: "Snapshot splice attempts by result"}, []string{"result"})
	BookSynced          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "book_synced", Help: "1 when the local book is synced"})
	BufferLen           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth_buffer_len", Help: "Pending pre-sync buffer length"})
	SignalsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "wall_signals_emitted_total", Help: "Wall depletion signals emitted"}, []string{"side", "class"})
	SignalsSuppressed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "wall_signals_suppressed_total", Help: "Depletion candidates rejected by reason"}, []string{"reason"})
	WallCandidates      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "wall_candidates", Help: "Currently tracked wall candidates"})
	Imbalance           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "book_imbalance", Help: "Top-N book imbalance"})
	SpreadBps           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "book_spread_bps", Help: "Spread in bps of mid"})
	ProbabilityUp       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "score_p_up", Help: "Current p_up"})
	Shock               = prometheus.NewGauge(prometheus.GaugeOpts{Name: "score_shock", Help: "Current shock value"})
	WSReconnectsTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ws_reconnects_total", Help: "Depth stream reconnects"})
	WSMalformedTotal    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ws_malformed_frames_total", Help: "Frames that failed to decode"})
	PublishDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_dropped_total", Help: "Outbound items dropped on a full queue"})
	PublishErrorsTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_errors_total", Help: "Sink failures by sink"}, []string{"sink"})
)

func Init(logger *logrus.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		DiffsAppliedTotal, DiffsStaleTotal, DiffsBufferedTotal, DiffsDroppedTotal, BufferTrimsTotal,
		ResyncsTotal, SnapshotFetchTotal, SyncAttemptsTotal, BookSynced, BufferLen,
		SignalsEmittedTotal, SignalsSuppressed, WallCandidates, Imbalance, SpreadBps,
		ProbabilityUp, Shock, WSReconnectsTotal, WSMalformedTotal, PublishDroppedTotal, PublishErrorsTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil {
			logger.WithError(err).Warn("Failed to register collector")
		}
	}
	logger.Debug("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
