package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-chat/server/internal/logging"
	"github.com/lattice-chat/server/internal/metrics"
)

// sweepInterval is min(60s, timeout/4), per spec §4.5.
func sweepInterval(timeout time.Duration) time.Duration {
	interval := 60 * time.Second
	if quarter := timeout / 4; quarter > 0 && quarter < interval {
		interval = quarter
	}
	return interval
}

// StartSweeper launches the idle-timeout sweeper goroutine. A zero
// idleTimeout disables it entirely (spec §4.5: "0 disables"). Safe to call
// at most once per Dispatcher.
func (d *Dispatcher) StartSweeper() {
	if d.idleTimeout <= 0 {
		close(d.sweepDone)
		return
	}

	go func() {
		defer close(d.sweepDone)
		ticker := time.NewTicker(sweepInterval(d.idleTimeout))
		defer ticker.Stop()

		for {
			select {
			case <-d.stopSweep:
				return
			case now := <-ticker.C:
				d.sweepOnce(now)
			}
		}
	}()
}

// StopSweeper signals the sweeper goroutine to exit and waits for it.
func (d *Dispatcher) StopSweeper() {
	select {
	case <-d.stopSweep:
		// already closed
	default:
		close(d.stopSweep)
	}
	<-d.sweepDone
}

func (d *Dispatcher) sweepOnce(now time.Time) {
	expired := d.Sessions.Sweep(now, d.idleTimeout)
	for _, sid := range expired {
		logging.Info(context.Background(), "sweeper evicting idle session", zap.String("session_id", string(sid)))
		d.Disconnect(sid)
		metrics.SweeperEvictions.Inc()
	}
}
