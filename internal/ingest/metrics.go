package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ingested = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedlens_ingested_entries_total",
	Help: "Entries newly added to the corpus by RSS ingestion.",
})
