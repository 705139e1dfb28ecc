// Package monitor pings the enclave on a schedule and exports its liveness.
package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/confidential_sequencer/internal/logging"
	"github.com/R3E-Network/confidential_sequencer/internal/metrics"
)

const DefaultSchedule = "@every 10s"

// Pinger is satisfied by enclaveclient.Client.
type Pinger interface {
	Heartbeat(ctx context.Context) error
}

type Config struct {
	Pinger   Pinger
	Schedule string
	Logger   *logging.Logger
}

type Monitor struct {
	pinger Pinger
	cron   *cron.Cron
	log    *logging.Logger

	up      atomic.Bool
	checked atomic.Int64
}

func New(cfg Config) (*Monitor, error) {
	if cfg.Pinger == nil {
		return nil, fmt.Errorf("pinger is required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	m := &Monitor{
		pinger: cfg.Pinger,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:    log.Component("monitor"),
	}
	if _, err := m.cron.AddFunc(schedule, func() { m.Check(context.Background()) }); err != nil {
		return nil, fmt.Errorf("heartbeat schedule %q: %w", schedule, err)
	}
	return m, nil
}

// Check pings the enclave once and updates the enclave_up gauge.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.pinger.Heartbeat(ctx)
	up := err == nil
	was := m.up.Swap(up)
	m.checked.Store(time.Now().Unix())
	metrics.SetEnclaveUp(up)

	switch {
	case !up && was:
		m.log.Warn(ctx, "enclave heartbeat lost", map[string]interface{}{"error": err.Error()})
	case up && !was:
		m.log.Info(ctx, "enclave heartbeat ok", nil)
	}
	return up
}

// Up reports the result of the last check.
func (m *Monitor) Up() bool {
	return m.up.Load()
}

// LastChecked returns the time of the last check, zero before the first.
func (m *Monitor) LastChecked() time.Time {
	ts := m.checked.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Run checks immediately, then follows the schedule until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	m.cron.Start()
	<-ctx.Done()
	<-m.cron.Stop().Done()
	return nil
}
