package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/chain"
	"github.com/mbd888/bookingescrow/internal/circuitbreaker"
	"github.com/mbd888/bookingescrow/internal/pagination"
)

// TransferVerifier checks a transaction on chain. *chain.EVMVerifier
// implements it.
type TransferVerifier interface {
	Supports(n chain.Network) bool
	VerifyTransfer(ctx context.Context, n chain.Network, txHash string, minAmount decimal.Decimal) (chain.TxStatus, error)
}

// DefaultPendingTimeout is how long a transaction may stay unmined before
// its payment is rejected.
const DefaultPendingTimeout = 24 * time.Hour

// AutoVerifier polls submitted payments and decides them from their
// on-chain receipt. Transactions that are not mined yet are retried on
// later polls until the pending timeout; payments on networks the verifier
// cannot read are left for an admin. A network whose RPC keeps failing is
// skipped until its breaker lets a probe through.
//
// Each poll reads one batch and remembers where it stopped, so payments
// that stay submitted cannot starve newer ones. A short batch wraps the
// cursor back to the oldest payment.
type AutoVerifier struct {
	service        *Service
	verifier       TransferVerifier
	breaker        *circuitbreaker.Breaker
	interval       time.Duration
	pendingTimeout time.Duration
	batch          int
	logger         *slog.Logger

	mu     sync.Mutex
	cursor *pagination.Cursor

	stop chan struct{}
	done chan struct{}
}

// NewAutoVerifier creates the worker. interval <= 0 means one minute.
func NewAutoVerifier(service *Service, verifier TransferVerifier, interval time.Duration, logger *slog.Logger) *AutoVerifier {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AutoVerifier{
		service:  service,
		verifier: verifier,
		breaker:  circuitbreaker.New(3, 5*interval),
		interval:       interval,
		pendingTimeout: DefaultPendingTimeout,
		batch:          50,
		logger:         logger,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// WithPendingTimeout sets how long a transaction may stay unmined before
// the payment is rejected. d <= 0 keeps the default.
func (v *AutoVerifier) WithPendingTimeout(d time.Duration) *AutoVerifier {
	if d > 0 {
		v.pendingTimeout = d
	}
	return v
}

// Start begins polling in a goroutine.
func (v *AutoVerifier) Start(ctx context.Context) {
	v.logger.Info("payment auto-verifier started", "interval", v.interval, "networks", v.networks())
	go v.pollLoop(ctx)
}

// Stop stops polling and waits for the current poll to finish.
func (v *AutoVerifier) Stop() {
	close(v.stop)
	<-v.done
}

func (v *AutoVerifier) pollLoop(ctx context.Context) {
	defer close(v.done)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stop:
			return
		case <-ticker.C:
			v.safeRun(ctx)
		}
	}
}

func (v *AutoVerifier) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("panic in payment auto-verifier", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := v.RunOnce(ctx); err != nil {
		v.logger.Error("payment auto-verify failed", "error", err)
	}
}

// RunOnce checks the next batch of submitted payments and returns how many
// were decided.
func (v *AutoVerifier) RunOnce(ctx context.Context) (int, error) {
	networks := v.networks()
	if len(networks) == 0 {
		return 0, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	pending, err := v.service.store.ListSubmitted(ctx, networks, v.cursor, v.batch)
	if err != nil {
		return 0, fmt.Errorf("list submitted payments: %w", err)
	}
	if len(pending) < v.batch {
		v.cursor = nil
	} else {
		last := pending[len(pending)-1]
		v.cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	now := v.service.now().UTC()
	decided := 0
	for _, p := range pending {
		network := string(p.Network)
		if !v.breaker.Allow(network) {
			continue
		}
		status, err := v.verifier.VerifyTransfer(ctx, p.Network, p.TxHash, p.Amount)
		if err != nil {
			v.breaker.Failure(network)
			v.logger.Warn("chain lookup failed", "paymentId", p.ID, "network", p.Network,
				"breaker", v.breaker.State(network), "error", err)
			continue
		}
		v.breaker.Success(network)

		switch {
		case status == chain.TxConfirmed:
			_, err = v.service.Verify(ctx, p.ID, auth.System)
		case status == chain.TxFailed:
			_, err = v.service.Reject(ctx, p.ID, auth.System, "transaction failed or did not pay the platform")
		case status == chain.TxPending && now.Sub(p.CreatedAt) > v.pendingTimeout:
			_, err = v.service.Reject(ctx, p.ID, auth.System,
				fmt.Sprintf("transaction not mined within %s", v.pendingTimeout))
		default:
			continue
		}
		if err != nil {
			v.logger.Warn("auto-verify decision not applied",
				"paymentId", p.ID, "chainStatus", status, "error", err)
			continue
		}
		decided++
	}
	return decided, nil
}

func (v *AutoVerifier) networks() []chain.Network {
	var out []chain.Network
	for _, n := range chain.Networks {
		if v.verifier.Supports(n) {
			out = append(out, n)
		}
	}
	return out
}
