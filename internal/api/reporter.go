package api

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipswamp/honeypot/internal/event"
)

const replayInterval = 5 * time.Minute

// Reporter delivers admitted records, spooling what it cannot deliver and
// replaying the spool while failures persist.
type Reporter struct {
	client  *Client
	spool   *Spool
	offline bool
	log     zerolog.Logger

	// consecutive report failures; replay runs only while non-zero
	failures atomic.Int64

	replayMu sync.Mutex // one replay pass at a time
}

// NewReporter wires the report path.
func NewReporter(client *Client, spool *Spool, offline bool, log zerolog.Logger) *Reporter {
	return &Reporter{client: client, spool: spool, offline: offline, log: log}
}

// Send transmits an admitted record, or spools it in offline mode. A record
// that fails to transmit is spooled exactly once and the error returned.
func (r *Reporter) Send(ctx context.Context, rec event.Record) error {
	if r.offline {
		r.log.Debug().Str("type", rec.Type).Msg("offline mode, spooling report")
		return r.spool.Append(rec, false)
	}

	if err := r.client.Report(ctx, rec); err != nil {
		r.failures.Add(1)
		r.log.Error().Err(err).Str("type", rec.Type).Str("ip", rec.SourceIP).
			Msg("report failed, spooling")
		if spoolErr := r.spool.Append(rec, false); spoolErr != nil {
			r.log.Error().Err(spoolErr).Msg("spool append failed, record lost")
		}
		return err
	}

	r.failures.Store(0)
	return nil
}

// Suppressed records a throttled event in the spool when the deployment
// keeps suppressed evidence. Never transmitted.
func (r *Reporter) Suppressed(rec event.Record) error {
	return r.spool.Append(rec, true)
}

// ConsecutiveFailures returns the current report failure streak.
func (r *Reporter) ConsecutiveFailures() int {
	return int(r.failures.Load())
}

// RunReplay loops a replay pass every five minutes while report failures
// persist. Blocks until ctx is cancelled.
func (r *Reporter) RunReplay(ctx context.Context) {
	t := time.NewTicker(replayInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if r.failures.Load() == 0 {
				continue
			}
			uploaded, remaining := r.ReplayOnce(ctx)
			if uploaded > 0 || remaining > 0 {
				r.log.Info().Int("uploaded", uploaded).Int("remaining", remaining).
					Msg("spool replay pass")
			}
		}
	}
}

// ReplayOnce attempts to upload every pending entry. Successful entries are
// dropped; failures stay pending. Returns (uploaded, remaining). Throttled
// entries are retained as evidence but never transmitted.
func (r *Reporter) ReplayOnce(ctx context.Context) (int, int) {
	r.replayMu.Lock()
	defer r.replayMu.Unlock()

	if r.offline {
		return 0, r.spool.Count()
	}

	pending := r.spool.Pending()
	if len(pending) == 0 {
		return 0, 0
	}

	uploaded := 0
	var remaining []event.Record
	for _, rec := range pending {
		if rec.Throttled {
			remaining = append(remaining, rec)
			continue
		}
		if err := r.client.Report(ctx, rec); err != nil {
			remaining = append(remaining, rec)
			continue
		}
		rec.PendingUpload = false
		uploaded++
	}

	if err := r.spool.Retain(remaining); err != nil {
		r.log.Error().Err(err).Msg("spool rewrite after replay failed")
	}
	if uploaded > 0 && len(remaining) == 0 {
		r.failures.Store(0)
	}
	return uploaded, len(remaining)
}
