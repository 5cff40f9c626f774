package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters and histograms for the acquisition
// and normalization pipeline.
type Metrics struct {
	DownloadAttempts prometheus.Counter
	DownloadsResumed prometheus.Counter
	DownloadsFailed  prometheus.Counter
	BytesDownloaded  prometheus.Counter

	ArchivesExtracted prometheus.Counter
	ArchivesRepaired  prometheus.Counter
	YearsSkipped      prometheus.Counter

	RowsBucketed        prometheus.Counter
	RowsDropped         prometheus.Counter
	MonthlyFilesWritten prometheus.Counter

	WeatherChunks      *prometheus.CounterVec // labels: outcome={success,error}
	FeedRecordsFetched *prometheus.CounterVec // labels: feed={station_information,station_status}

	ExtractDuration prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.DownloadAttempts,
		m.DownloadsResumed,
		m.DownloadsFailed,
		m.BytesDownloaded,
		m.ArchivesExtracted,
		m.ArchivesRepaired,
		m.YearsSkipped,
		m.RowsBucketed,
		m.RowsDropped,
		m.MonthlyFilesWritten,
		m.WeatherChunks,
		m.FeedRecordsFetched,
		m.ExtractDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		DownloadAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "download_attempts_total",
			Help:      "Total download attempts, including retries.",
		}),
		DownloadsResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "downloads_resumed_total",
			Help:      "Attempts that resumed from a partial file via a range request.",
		}),
		DownloadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "downloads_failed_total",
			Help:      "Downloads that exhausted their retry budget without an acceptable result.",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "bytes_downloaded_total",
			Help:      "Total bytes streamed to disk across all attempts.",
		}),
		ArchivesExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "archives_extracted_total",
			Help:      "Archives successfully extracted.",
		}),
		ArchivesRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "archives_repaired_total",
			Help:      "Corrupt archives recovered by re-download.",
		}),
		YearsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "years_skipped_total",
			Help:      "Ridership years skipped after unrecoverable archive failures.",
		}),
		RowsBucketed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "rows_bucketed_total",
			Help:      "Quarterly rows routed into a monthly bucket.",
		}),
		RowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "rows_dropped_total",
			Help:      "Quarterly rows dropped for unparseable or out-of-year dates.",
		}),
		MonthlyFilesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "monthly_files_written_total",
			Help:      "Monthly CSV files produced by the quarterly splitter.",
		}),
		WeatherChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "weather_chunks_total",
			Help:      "Weather date-range chunk requests by outcome.",
		}, []string{"outcome"}),
		FeedRecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bikeshare_etl",
			Name:      "feed_records_fetched_total",
			Help:      "GBFS records fetched by feed.",
		}, []string{"feed"}),
		ExtractDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bikeshare_etl",
			Name:      "extract_duration_seconds",
			Help:      "Duration of one archive extract (including split) in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
	}
}
