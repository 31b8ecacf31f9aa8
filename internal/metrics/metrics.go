package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	OrdersSubmitted     *prometheus.CounterVec
	Reservations        *prometheus.CounterVec
	ReservationRetries  prometheus.Counter
	DeadLetters         *prometheus.CounterVec
	DuplicateDeliveries prometheus.Counter
}

// New registers the pipeline collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrdersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_submitted_total",
			Help: "Order submissions at intake, by result.",
		}, []string{"result"}),
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reservations_total",
			Help: "Authoritative reservation outcomes.",
		}, []string{"outcome"}),
		ReservationRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "reservation_retries_total",
			Help: "Retries after transient infrastructure failures.",
		}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Messages routed to the dead-letter topic, by reason.",
		}, []string{"reason"}),
		DuplicateDeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "duplicate_deliveries_total",
			Help: "Redelivered orders absorbed by the idempotency check.",
		}),
	}
}

// NewNop returns metrics backed by a private registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
