package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "polls_total", Help: "Ride snapshot polls by outcome"},
		[]string{"outcome"},
	)
	PollLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_sync", Name: "poll_latency_seconds", Help: "Ride snapshot poll latency seconds"})

	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "push_events_total", Help: "Push channel events received"},
		[]string{"event"},
	)
	PushConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "push_connects_total", Help: "Push channel connection attempts by outcome"},
		[]string{"outcome"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "transitions_total", Help: "Candidate updates by source and result"},
		[]string{"source", "result"},
	)
	ActiveRides = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_sync", Name: "active_rides", Help: "Rides currently tracked"})

	OTPSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "otp_submissions_total", Help: "OTP submissions by outcome"},
		[]string{"outcome"},
	)
	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "cancellations_total", Help: "Rider cancellations by reason category and outcome"},
		[]string{"category", "outcome"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_sync", Name: "requests_total", Help: "Facade requests by route and outcome"},
		[]string{"route", "outcome"},
	)
	// RequestDuration leaves out websocket streams; their lifetime is not latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_sync",
			Name:      "request_duration_seconds",
			Help:      "Facade request latency by route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	WSStreams = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_sync", Name: "ws_streams", Help: "Screens currently streaming ride updates"})
)
