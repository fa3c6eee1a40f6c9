package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alanyoungcy/spotengine/internal/domain"
)

const (
	resultOK        = "ok"
	resultRejected  = "rejected"
	resultError     = "error"
	resultPanic     = "panic"
	resultMalformed = "malformed"
)

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotengine",
		Name:      "commands_total",
		Help:      "Commands processed by type and result.",
	}, []string{"type", "result"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spotengine",
		Name:      "command_duration_seconds",
		Help:      "Wall time spent processing one command.",
		Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05, .1},
	}, []string{"type"})

	fillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotengine",
		Name:      "fills_total",
		Help:      "Fills produced per market.",
	}, []string{"market"})

	snapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotengine",
		Name:      "snapshot_saves_total",
		Help:      "Snapshot save rounds by result.",
	}, []string{"result"})

	restingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spotengine",
		Name:      "resting_orders",
		Help:      "Resting orders per market at the last snapshot.",
	}, []string{"market"})
)

// classify maps a command error to its metric result label. Caller mistakes
// are "rejected"; anything else is an infrastructure "error".
func classify(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidCommand):
		return resultMalformed
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrUnknownMarket),
		errors.Is(err, domain.ErrNotFound):
		return resultRejected
	default:
		return resultError
	}
}
