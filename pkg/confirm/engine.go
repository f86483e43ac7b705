// Package confirm resolves transaction finality by racing an event
// subscription against status polling. The event channel usually wins on
// latency; the polling channel tolerates missed or dropped notifications.
// Whichever strategy finishes first settles the confirmation and the
// loser is torn down, leaving no subscription or timer behind.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"go.uber.org/zap"

	"github.com/buyve/rpcgate/pkg/clientpool"
)

// Package errors.
var (
	// ErrTimeout is returned when the race and the last-resort polling
	// pass both exhaust their budgets without a terminal answer.
	ErrTimeout = errors.New("confirmation timed out")
)

// ChainError is a definitive on-chain transaction failure reported by
// either strategy. It is propagated immediately and never retried.
type ChainError struct {
	TxErr interface{}
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	return fmt.Sprintf("transaction failed on chain: %v", e.TxErr)
}

// Status is the terminal outcome of a confirmation.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Result describes how a confirmation resolved.
type Result struct {
	Status    Status        `json:"status"`
	Strategy  Strategy      `json:"strategy,omitempty"`
	Slot      uint64        `json:"slot,omitempty"`
	Attempts  int           `json:"attempts"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMs int64         `json:"elapsedMs"`
}

// DefaultBudget is the total time allowed for one confirmation.
const DefaultBudget = 60 * time.Second

// defaultPollDelays is the progressive wait schedule between status
// polls, clamped to the last value once exhausted.
var defaultPollDelays = []time.Duration{
	500 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	1 * time.Second,
	2 * time.Second,
	2 * time.Second,
	3 * time.Second,
	3 * time.Second,
	5 * time.Second,
}

// outcome is one strategy's final report.
type outcome struct {
	strategy Strategy
	slot     uint64
	attempts int
	elapsed  time.Duration
	err      error
}

// Engine races an event-subscription strategy against a polling strategy
// to confirm a signature, recording latency and success metrics for both.
type Engine struct {
	pool    *clientpool.Pool
	wsURL   string
	budget  time.Duration
	delays  []time.Duration
	metrics *Ring
	logger  *zap.Logger

	// Strategy entry points, replaceable in tests.
	eventFn func(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (uint64, error)
	pollFn  func(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (uint64, int, error)
}

// NewEngine creates a confirmation engine. Status polls go through pool;
// finality notifications are subscribed over wsURL.
func NewEngine(pool *clientpool.Pool, wsURL string, budget time.Duration, metrics *Ring, logger *zap.Logger) *Engine {
	if budget == 0 {
		budget = DefaultBudget
	}
	if metrics == nil {
		metrics = NewRing()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		pool:    pool,
		wsURL:   wsURL,
		budget:  budget,
		delays:  defaultPollDelays,
		metrics: metrics,
		logger:  logger,
	}
	e.eventFn = e.watchSignature
	e.pollFn = e.pollSignature
	return e
}

// Metrics returns the engine's metrics ring.
func (e *Engine) Metrics() *Ring {
	return e.metrics
}

// Confirm resolves sig to a terminal status within the engine budget.
// Both strategies run concurrently; the first terminal answer wins and
// the loser is cancelled. If neither produces a terminal answer, one
// last pure-polling pass runs at half the budget before giving up.
func (e *Engine) Confirm(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (*Result, error) {
	start := time.Now()

	raceCtx, cancelRace := context.WithTimeout(ctx, e.budget)
	defer cancelRace()

	// The event channel gets a sub-budget so a dead subscription cannot
	// starve the race.
	eventCtx, cancelEvent := context.WithTimeout(raceCtx, e.budget*4/5)
	defer cancelEvent()

	results := make(chan outcome, 2)
	go func() {
		t0 := time.Now()
		slot, err := e.eventFn(eventCtx, sig, commitment)
		results <- outcome{strategy: StrategyEvent, slot: slot, attempts: 1, elapsed: time.Since(t0), err: err}
	}()
	go func() {
		t0 := time.Now()
		slot, attempts, err := e.pollFn(raceCtx, sig, commitment)
		results <- outcome{strategy: StrategyPoll, slot: slot, attempts: attempts, elapsed: time.Since(t0), err: err}
	}()

	for i := 0; i < 2; i++ {
		o := <-results
		e.record(o)

		if terminal, result, err := e.settle(o, start); terminal {
			cancelRace()
			return result, err
		}
	}

	// Both branches exhausted without a terminal answer: one final pure
	// polling pass at half the original budget.
	e.logger.Debug("confirmation race exhausted, final polling pass",
		zap.String("signature", sig.String()))

	finalCtx, cancelFinal := context.WithTimeout(ctx, e.budget/2)
	defer cancelFinal()

	t0 := time.Now()
	slot, attempts, err := e.pollFn(finalCtx, sig, commitment)
	o := outcome{strategy: StrategyPoll, slot: slot, attempts: attempts, elapsed: time.Since(t0), err: err}
	e.record(o)

	if terminal, result, err := e.settle(o, start); terminal {
		return result, err
	}
	return &Result{
			Status:    StatusTimeout,
			Attempts:  attempts,
			Elapsed:   time.Since(start),
			ElapsedMs: time.Since(start).Milliseconds(),
		}, fmt.Errorf("%w for %s after %s", ErrTimeout, sig, time.Since(start).Round(time.Millisecond))
}

// settle converts a strategy outcome into a terminal result, when it is
// one. Confirmations and definitive on-chain failures are terminal;
// budget exhaustion and transport errors are not.
func (e *Engine) settle(o outcome, start time.Time) (bool, *Result, error) {
	elapsed := time.Since(start)

	if o.err == nil {
		return true, &Result{
			Status:    StatusConfirmed,
			Strategy:  o.strategy,
			Slot:      o.slot,
			Attempts:  o.attempts,
			Elapsed:   elapsed,
			ElapsedMs: elapsed.Milliseconds(),
		}, nil
	}

	var chainErr *ChainError
	if errors.As(o.err, &chainErr) {
		return true, &Result{
			Status:    StatusFailed,
			Strategy:  o.strategy,
			Slot:      o.slot,
			Attempts:  o.attempts,
			Elapsed:   elapsed,
			ElapsedMs: elapsed.Milliseconds(),
		}, o.err
	}
	return false, nil, nil
}

// record appends an outcome to the metrics ring. Strategies cancelled as
// the losing branch of a settled race are not data points.
func (e *Engine) record(o outcome) {
	if errors.Is(o.err, context.Canceled) {
		return
	}
	m := Metric{
		Strategy:  o.strategy,
		Attempts:  o.attempts,
		ElapsedMs: o.elapsed.Milliseconds(),
		Success:   o.err == nil,
	}
	if o.err != nil {
		m.Error = o.err.Error()
	}
	e.metrics.Append(m)
}

// watchSignature subscribes for a finality notification on sig and
// resolves on the first matching event.
func (e *Engine) watchSignature(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (uint64, error) {
	client, err := ws.Connect(ctx, e.wsURL)
	if err != nil {
		return 0, fmt.Errorf("ws connect: %w", err)
	}
	defer client.Close()

	sub, err := client.SignatureSubscribe(sig, commitment)
	if err != nil {
		return 0, fmt.Errorf("signature subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	got, err := sub.Recv(ctx)
	if err != nil {
		return 0, err
	}
	if got.Value.Err != nil {
		return got.Context.Slot, &ChainError{TxErr: got.Value.Err}
	}
	return got.Context.Slot, nil
}

// pollSignature repeatedly queries signature status with a progressive
// delay schedule until a terminal status or context expiry.
func (e *Engine) pollSignature(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) (uint64, int, error) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return 0, attempts, ctx.Err()
		case <-time.After(pollDelay(e.delays, attempts)):
		}
		attempts++

		out, err := e.pool.Get().GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			// Transient; the context budget bounds the loop.
			continue
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			continue
		}

		status := out.Value[0]
		if status.Err != nil {
			return status.Slot, attempts, &ChainError{TxErr: status.Err}
		}
		if satisfies(status.ConfirmationStatus, commitment) {
			return status.Slot, attempts, nil
		}
	}
}

// pollDelay returns the wait before poll attempt number attempt, clamped
// to the last schedule entry.
func pollDelay(delays []time.Duration, attempt int) time.Duration {
	if attempt >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt]
}

// satisfies reports whether an observed confirmation status meets the
// requested commitment. Finalized satisfies everything.
func satisfies(status rpc.ConfirmationStatusType, commitment rpc.CommitmentType) bool {
	if status == rpc.ConfirmationStatusFinalized {
		return true
	}
	switch commitment {
	case rpc.CommitmentProcessed:
		return status != ""
	case rpc.CommitmentConfirmed:
		return status == rpc.ConfirmationStatusConfirmed
	default:
		return false
	}
}
