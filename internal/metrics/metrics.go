// Package metrics exposes ingestion counters for Prometheus scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	ArticlesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caduceus_articles_processed_total",
		Help: "Articles that completed the parse stage.",
	})
	ChunksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caduceus_chunks_created_total",
		Help: "Chunks produced by the chunker.",
	})
	ChunksStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caduceus_chunks_stored_total",
		Help: "Chunks successfully upserted into the vector store.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caduceus_ingest_errors_total",
		Help: "Ingestion errors by pipeline stage.",
	}, []string{"stage"})
	EmbedBatchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "caduceus_embed_batch_seconds",
		Help:    "Latency of embedding batch groups.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	StoreBatchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "caduceus_store_batch_seconds",
		Help:    "Latency of storage write calls including retries.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

// Serve exposes /metrics on addr in a background goroutine. Errors are
// logged, not fatal; metrics are best-effort during ingestion runs.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
}
