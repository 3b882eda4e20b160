package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"anti_vpn/pkg/metrics"
	"anti_vpn/pkg/source"
)

// DefaultConsensusTimeout bounds a whole consensus round.
const DefaultConsensusTimeout = 20 * time.Second

// resolver runs the cascade and consensus algorithms over one source list.
type resolver struct {
	sources          *source.Manager
	tracker          *InvalidationTracker
	threads          int
	consensusTimeout time.Duration
	sourceTimeout    time.Duration
	verbose          zapcore.Level
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

func (r *resolver) logStep(msg string, fields ...zap.Field) {
	if ce := r.logger.Check(r.verbose, msg); ce != nil {
		ce.Write(fields...)
	}
}

// query asks one source under the per-source deadline.
func (r *resolver) query(ctx context.Context, s source.Source, subject string) (bool, error) {
	if r.sourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sourceTimeout)
		defer cancel()
	}

	r.logStep("Getting result from source", zap.String("source", s.Name()), zap.String("subject", subject))
	flagged, err := s.Result(ctx, subject)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrSourceQueryFailed, s.Name(), err)
	}
	return flagged, nil
}

func (r *resolver) fail(s source.Source, err error) {
	r.logger.Error("Source returned an error. Skipping.",
		zap.String("source", s.Name()),
		zap.Error(err))
	r.tracker.MarkDead(s.Name())
	r.metrics.SourceFailures.With("source", s.Name()).Add(1)
}

// cascade returns the first definitive answer, walking sources in priority
// order. Failing sources are marked dead and later sources are never asked
// once one answers.
func (r *resolver) cascade(ctx context.Context, subject string) (bool, error) {
	start := time.Now()
	defer func() {
		r.metrics.ResolutionSeconds.With("algorithm", "cascade").Observe(time.Since(start).Seconds())
	}()

	for _, s := range r.sources.Sources() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if r.tracker.IsDead(s.Name()) {
			r.logStep("Skipping source due to recent failure", zap.String("source", s.Name()))
			continue
		}

		flagged, err := r.query(ctx, s, subject)
		if err != nil {
			if ctx.Err() != nil {
				// The caller gave up; the source did nothing wrong.
				return false, ctx.Err()
			}
			r.fail(s, err)
			continue
		}
		return flagged, nil
	}

	return false, ErrNoSourcesAvailable
}

// consensus queries every live source in parallel on a pool of r.threads
// workers and returns the fraction that answered true. Sources that fail
// are marked dead and excluded from both counts. When the round deadline
// passes, outstanding results are discarded, sources still running are
// marked dead and sources not yet started are left alone.
func (r *resolver) consensus(ctx context.Context, subject string) (float64, error) {
	start := time.Now()
	defer func() {
		r.metrics.ResolutionSeconds.With("algorithm", "consensus").Observe(time.Since(start).Seconds())
	}()

	timeout := r.consensusTimeout
	if timeout <= 0 {
		timeout = DefaultConsensusTimeout
	}
	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu        sync.Mutex
		closed    bool
		flagged   int
		responded int
	)

	g := new(errgroup.Group)
	g.SetLimit(r.threads)

	done := make(chan struct{})
	// Submission runs apart from the wait so a full pool cannot hold the
	// caller past the deadline.
	go func() {
		defer close(done)
		for _, s := range r.sources.Sources() {
			if roundCtx.Err() != nil {
				break
			}
			if r.tracker.IsDead(s.Name()) {
				r.logStep("Skipping source due to recent failure", zap.String("source", s.Name()))
				continue
			}

			s := s
			g.Go(func() error {
				if roundCtx.Err() != nil {
					return nil
				}
				answer, err := r.query(roundCtx, s, subject)

				mu.Lock()
				defer mu.Unlock()
				if closed || roundCtx.Err() != nil {
					// Late: the round is over. A source still running at
					// the deadline timed out, unless the caller gave up.
					if ctx.Err() == nil {
						r.fail(s, fmt.Errorf("%w: %s: consensus deadline passed", ErrSourceQueryFailed, s.Name()))
					}
					return nil
				}
				if err != nil {
					r.fail(s, err)
					return nil
				}
				responded++
				if answer {
					flagged++
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-roundCtx.Done():
		if ctx.Err() == nil {
			r.logger.Warn("Consensus timed out before all sources could be queried",
				zap.String("subject", subject),
				zap.Duration("timeout", timeout))
		}
	}

	mu.Lock()
	closed = true
	yes, total := flagged, responded
	mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, ErrNoSourcesAvailable
	}
	return float64(yes) / float64(total), nil
}
