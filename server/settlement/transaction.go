package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"skirmish/utils"
)

// TxState は精算トランザクションの状態です。
type TxState uint8

const (
	StateIdle TxState = iota
	StateAccumulating
	StateSnapshotting
	StateSubmitting
	StateCommitted
	StateFailed
)

func (s TxState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateSnapshotting:
		return "snapshotting"
	case StateSubmitting:
		return "submitting"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type txKind uint8

const (
	kindRound txKind = iota
	kindDuel
)

func (k txKind) String() string {
	if k == kindDuel {
		return "duel"
	}
	return "round"
}

// RetryPolicy はリモートへの送信リトライの設定です。
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		AttemptTimeout:  10 * time.Second,
	}
}

// pendingPlayer はコミット時に接続へ反映する値です。送信前に確定させておきます。
// 倍率は絶対値ではなく差分で持ち、重なった精算がそれぞれの進み分を失わないようにします。
type pendingPlayer struct {
	conn            ConnID
	userID          string
	multiplierDelta int
	multiplierSet   *int
	valorous        bool
	lowPopulation   bool
	compensation    int64
	ratingDelta     float64
	won             bool
}

// applyMultiplier はコミット時点の倍率にこの精算の分を反映した値を返します。
func (p pendingPlayer) applyMultiplier(current int) int {
	if p.multiplierSet != nil {
		return *p.multiplierSet
	}
	return utils.Clamp(current+p.multiplierDelta, MinRewardMultiplier, MaxRewardMultiplier)
}

type transaction struct {
	seq       uint64
	kind      txKind
	batch     Batch
	players   []pendingPlayer
	state     TxState
	startedAt time.Time
}

type completion struct {
	tx      *transaction
	results []UserResult
	err     error
	elapsed time.Duration
}

func (e *Engine) submitAsync(ctx context.Context, tx *transaction) {
	tx.state = StateSubmitting
	ctx = context.WithoutCancel(ctx)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		start := e.clock.Now()
		results, err := e.submit(ctx, tx)
		e.completions <- completion{tx: tx, results: results, err: err, elapsed: e.clock.Since(start)}
	}()
}

func (e *Engine) submit(ctx context.Context, tx *transaction) ([]UserResult, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.submit", trace.WithAttributes(
		attribute.String("settlement.token", tx.batch.IdempotencyToken),
		attribute.String("settlement.kind", tx.kind.String()),
		attribute.Int("settlement.updates", len(tx.batch.Updates)),
	))
	defer span.End()

	policy := e.cfg.Retry
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	attempt := 0
	op := func() ([]UserResult, error) {
		attempt++
		e.metrics.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", tx.kind.String())))

		actx := ctx
		if policy.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
			defer cancel()
		}

		results, err := e.authority.UpdateUsers(actx, tx.batch)
		if err != nil {
			if errors.Is(err, ErrRejected) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if err := matchResults(tx.batch, results); err != nil {
			return nil, backoff.Permanent(err)
		}
		return results, nil
	}

	results, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.WarnContext(ctx, "settlement attempt failed",
				"token", tx.batch.IdempotencyToken, "attempt", attempt, "retry_in", next, "err", err)
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("settlement.attempts", attempt))
	return results, nil
}

// matchResults は応答が送信したユーザーを過不足なく含むかを確かめます。
func matchResults(batch Batch, results []UserResult) error {
	if len(results) != len(batch.Updates) {
		return fmt.Errorf("%w: got %d results for %d updates", ErrRejected, len(results), len(batch.Updates))
	}
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		seen[r.User.ID] = struct{}{}
	}
	for _, u := range batch.Updates {
		if _, ok := seen[u.UserID]; !ok {
			return fmt.Errorf("%w: missing result for user %s", ErrRejected, u.UserID)
		}
	}
	return nil
}
