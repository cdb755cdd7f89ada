package reservations

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/metrics"
)

// Janitor periodically deletes lapsed reservation rows. Correctness does
// not depend on it (expiry is checked at read time); it bounds table
// growth and keeps the held-leases gauge current.
type Janitor struct {
	cron  *cron.Cron
	store Store
	clk   clock.Clock
	log   *logging.Logger
}

// NewJanitor schedules a sweep on the given cron spec (e.g. "@every 1m").
func NewJanitor(st Store, clk clock.Clock, log *logging.Logger, schedule string) (*Janitor, error) {
	j := &Janitor{cron: cron.New(), store: st, clk: clk, log: log}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins sweeping in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := j.clk.Now()
	n, err := j.store.DeleteExpiredReservations(ctx, now)
	if err != nil {
		j.log.Warn("reservation sweep failed", "error", err)
		return
	}
	if n > 0 {
		metrics.ReservationsSwept.Add(float64(n))
		j.log.Debug("swept expired reservations", "count", n)
	}
	held, err := j.store.CountHeldReservations(ctx, now)
	if err != nil {
		j.log.Warn("count reservations failed", "error", err)
		return
	}
	metrics.ReservationsHeld.Set(float64(held))
}
