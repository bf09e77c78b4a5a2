package builder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var previewCancelled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedlens_preview_cancelled_total",
	Help: "Live previews cancelled by a newer edit or by closing the session",
})
