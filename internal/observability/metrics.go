package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "referlane_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "referlane_dispatch_total", Help: "Message dispatch outcomes"},
		[]string{"channel", "result"},
	)
	ClaimsLost = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "referlane_claims_lost_total", Help: "Claims lost to a concurrent runner"},
	)
	Reclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "referlane_reclaimed_total", Help: "Stale sending claims returned to the queue"},
	)
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "referlane_provider_send_latency_seconds", Help: "Provider send latency"},
		[]string{"channel"},
	)
	Redemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "referlane_redemptions_total", Help: "Conversion redemption outcomes"},
		[]string{"result"},
	)
	CampaignsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "referlane_campaigns_settled_total", Help: "Campaigns settled to a terminal status"},
		[]string{"status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Dispatches, ClaimsLost, Reclaimed, ProviderLatency, Redemptions, CampaignsSettled)
}
