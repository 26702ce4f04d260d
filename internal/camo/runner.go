package camo

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"
)

// accountRunner drives the background chatter for one account: the warmup
// burst, the 1 s heartbeat with idle gating and the Unleash poll loop.
type accountRunner struct {
	sup       *Supervisor
	accountID int64
	ctx       context.Context
	cancel    context.CancelFunc
	unleash   *unleashState

	mu          sync.Mutex
	accessToken string
	lastTraffic time.Time
}

func (r *accountRunner) run(warmup bool) {
	if !r.ensureToken() {
		log.Printf("⚠️ Camouflage for account %d: no usable token, runner idle", r.accountID)
	}
	if warmup {
		r.runWarmup()
	}
	go r.unleashLoop()
	r.heartbeatLoop()
}

// ensureToken pulls a valid token through the shared manager.
func (r *accountRunner) ensureToken() bool {
	acct, err := r.sup.store.GetAccount(r.accountID)
	if err != nil {
		return false
	}
	tok, err := r.sup.tokens.EnsureValidToken(r.ctx, acct)
	if err != nil {
		return false
	}
	r.setToken(tok)
	return true
}

func (r *accountRunner) setToken(tok string) {
	r.mu.Lock()
	r.accessToken = tok
	r.mu.Unlock()
}

func (r *accountRunner) token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accessToken
}

func (r *accountRunner) noteTraffic() {
	r.mu.Lock()
	r.lastTraffic = time.Now()
	r.mu.Unlock()
}

func (r *accountRunner) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastTraffic) > idleGate
}

// heartbeatLoop posts one no-op metrics call every second with ±50 ms
// jitter. The timer keeps ticking while idle so resumption is immediate.
func (r *accountRunner) heartbeatLoop() {
	for {
		jitter := time.Duration(rand.Intn(101)-50) * time.Millisecond
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(time.Second + jitter):
		}
		if r.idle() {
			continue
		}
		tok := r.token()
		if tok == "" {
			if !r.ensureToken() {
				continue
			}
			tok = r.token()
		}
		ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		_, err := r.sup.client.RecordMetrics(ctx, tok, nil)
		cancel()
		if err != nil {
			// One failed beat is noise; token problems resolve on the next
			// refresh callback.
			continue
		}
	}
}

// runWarmup replays the official client's activation sequence with
// human-ish gaps between the calls.
func (r *accountRunner) runWarmup() {
	tok := r.token()
	if tok == "" {
		return
	}
	steps := []func(ctx context.Context) error{
		func(ctx context.Context) error {
			_, err := r.sup.client.OnboardUser(ctx, tok, "standard-tier")
			return err
		},
		func(ctx context.Context) error {
			_, err := r.sup.client.FetchAvailableModels(ctx, tok)
			return err
		},
		func(ctx context.Context) error {
			_, err := r.sup.client.LoadCodeAssist(ctx, tok)
			return err
		},
		func(ctx context.Context) error {
			_, err := r.sup.client.RecordMetrics(ctx, tok, nil)
			return err
		},
	}
	for i, step := range steps {
		if i > 0 {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Duration(50+rand.Intn(151)) * time.Millisecond):
			}
		}
		ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
		if err := step(ctx); err != nil {
			log.Printf("⚠️ Warmup step %d failed for account %d: %v", i+1, r.accountID, err)
		}
		cancel()
	}
	log.Printf("🔥 Warmup finished for account %d", r.accountID)
}
