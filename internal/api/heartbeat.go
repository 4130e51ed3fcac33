package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const startupDelay = 3 * time.Second

// HeartbeatScheduler sends periodic liveness signals. In offline mode it
// does nothing.
type HeartbeatScheduler struct {
	client     *Client
	interval   time.Duration
	retryCount int
	retryDelay time.Duration
	debugMode  bool
	offline    bool
	log        zerolog.Logger
}

// NewHeartbeatScheduler configures the scheduler.
func NewHeartbeatScheduler(client *Client, interval time.Duration, retryCount int, retryDelay time.Duration, debugMode, offline bool, log zerolog.Logger) *HeartbeatScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &HeartbeatScheduler{
		client:     client,
		interval:   interval,
		retryCount: retryCount,
		retryDelay: retryDelay,
		debugMode:  debugMode,
		offline:    offline,
		log:        log,
	}
}

// Run blocks until ctx is cancelled. One heartbeat goes out shortly after
// startup, then one per interval.
func (h *HeartbeatScheduler) Run(ctx context.Context) {
	if h.offline {
		h.log.Info().Msg("offline mode, heartbeats disabled")
		<-ctx.Done()
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(startupDelay):
		h.beat(ctx)
	}

	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.beat(ctx)
		}
	}
}

// Beat sends one heartbeat immediately and returns the diagnostic outcome.
// Used by the /test-heartbeat endpoint.
func (h *HeartbeatScheduler) Beat(ctx context.Context) map[string]any {
	if h.offline {
		return map[string]any{"skipped": true, "reason": "offline mode"}
	}
	err := h.client.Heartbeat(ctx)
	out := h.client.Diag().Snapshot()
	out["ok"] = err == nil
	return out
}

// beat sends one heartbeat with the failure-handling policy: in debug mode,
// one retry after retryDelay while the failure streak is at most
// retryCount, and a ping probe on the third consecutive failure.
func (h *HeartbeatScheduler) beat(ctx context.Context) {
	err := h.client.Heartbeat(ctx)
	if err == nil {
		h.log.Debug().Msg("heartbeat ok")
		return
	}

	failures := h.client.Diag().ConsecutiveFailures()
	h.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("heartbeat failed")

	if failures == 3 {
		// Fire-and-forget reachability probe for diagnostics.
		go func() {
			res := h.client.Ping(context.Background())
			if res.OK {
				h.log.Info().Int("status", res.Status).Dur("elapsed", res.Elapsed).
					Msg("ping probe: backend reachable, heartbeat endpoint failing")
			} else {
				h.log.Warn().Str("error", res.Error).Msg("ping probe: backend unreachable")
			}
		}()
	}

	if h.debugMode && failures <= h.retryCount {
		timer := time.NewTimer(h.retryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if retryErr := h.client.Heartbeat(ctx); retryErr != nil {
			h.log.Warn().Err(retryErr).Msg("heartbeat retry failed")
		} else {
			h.log.Info().Msg("heartbeat retry succeeded")
		}
	}
}
