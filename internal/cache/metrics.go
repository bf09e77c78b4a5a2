package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cacheRequests counts lookups by outcome: hit, miss or shared.
var cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedlens_cache_requests_total",
	Help: "Result cache lookups by outcome",
}, []string{"result"})
