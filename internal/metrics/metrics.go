package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MailSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aweb_mail_sent_total",
		Help: "Total mail messages sent by priority.",
	}, []string{"priority"})
	MailAckedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aweb_mail_acked_total",
		Help: "Total mail acknowledgments.",
	})
	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aweb_chat_messages_total",
		Help: "Total chat messages by kind (message, hang_on, leaving).",
	}, []string{"kind"})
	ChatSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aweb_chat_sessions_created_total",
		Help: "Total chat sessions created.",
	})
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aweb_active_streams",
		Help: "Number of open SSE chat streams.",
	})
	ActiveWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aweb_active_waiters",
		Help: "Number of blocked send-and-wait requests.",
	})
	WaitOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aweb_wait_outcomes_total",
		Help: "Terminal outcomes of send-and-wait requests.",
	}, []string{"outcome"})
	WaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aweb_wait_duration_seconds",
		Help:    "Time senders spent blocked awaiting a reply.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
	ReservationsHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aweb_reservations_held",
		Help: "Unexpired reservations at last sweep.",
	})
	ReservationConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aweb_reservation_conflicts_total",
		Help: "Acquire attempts rejected because the key was held.",
	})
	ReservationsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aweb_reservations_swept_total",
		Help: "Expired reservation rows removed by the janitor.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aweb_auth_failures_total",
		Help: "Authentication failures by mode (bearer, proxy).",
	}, []string{"mode"})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aweb_events_published_total",
		Help: "Events published to the bus by type.",
	}, []string{"type"})
)
