// Package camo imitates the official client's background footprint per
// account: warmup on activation, a metrics heartbeat, per-request telemetry
// and trajectory chatter, Unleash feature-flag polling and the client
// version fetcher. Everything goes through the fingerprint transport so the
// chatter shares the TLS identity of real traffic.
package camo

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pysugar/antigravity-relay/internal/auth/token"
	"github.com/pysugar/antigravity-relay/internal/config"
	"github.com/pysugar/antigravity-relay/internal/db"
	"github.com/pysugar/antigravity-relay/internal/upstream"
)

// idleGate suspends heartbeats after this much time without user traffic.
const idleGate = 3 * time.Minute

// Supervisor owns one background runner per active account.
type Supervisor struct {
	cfg    *config.Config
	store  *db.Store
	client *upstream.Client
	tokens *token.Manager

	mu      sync.Mutex
	runners map[int64]*accountRunner

	versions *versionFetcher

	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewSupervisor builds the supervisor and hooks token refresh so heartbeats
// hot-swap tokens without restarting their timers.
func NewSupervisor(cfg *config.Config, store *db.Store, client *upstream.Client, tokens *token.Manager) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		client:   client,
		tokens:   tokens,
		runners:  make(map[int64]*accountRunner),
		versions: newVersionFetcher(client),
		rootCtx:  ctx,
		cancel:   cancel,
	}
	tokens.OnTokenRefreshed = s.updateHeartbeatToken
	return s
}

// Start spins up runners for every active account.
func (s *Supervisor) Start() {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		log.Printf("⚠️ Camouflage startup: %v", err)
		return
	}
	n := 0
	for _, a := range accounts {
		if a.Status == "active" {
			s.startRunner(a.ID, false)
			n++
		}
	}
	log.Printf("🎭 Camouflage running for %d accounts", n)
}

// Stop cancels every runner.
func (s *Supervisor) Stop() {
	s.cancel()
	s.mu.Lock()
	s.runners = make(map[int64]*accountRunner)
	s.mu.Unlock()
}

func (s *Supervisor) startRunner(accountID int64, warmup bool) {
	s.mu.Lock()
	if _, ok := s.runners[accountID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	r := &accountRunner{
		sup:       s,
		accountID: accountID,
		ctx:       ctx,
		cancel:    cancel,
		unleash:   newUnleashState(accountID),
	}
	s.runners[accountID] = r
	s.mu.Unlock()

	go r.run(warmup)
}

// AccountAdded starts the runner for a new or re-enabled account, with the
// activation warmup sequence.
func (s *Supervisor) AccountAdded(accountID int64) {
	s.startRunner(accountID, true)
}

// AccountRemoved stops the runner for a deleted or disabled account.
func (s *Supervisor) AccountRemoved(accountID int64) {
	s.mu.Lock()
	r, ok := s.runners[accountID]
	if ok {
		delete(s.runners, accountID)
	}
	s.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// NoteTraffic marks user traffic on an account, reopening the idle gate.
func (s *Supervisor) NoteTraffic(accountID int64) {
	s.mu.Lock()
	r := s.runners[accountID]
	s.mu.Unlock()
	if r != nil {
		r.noteTraffic()
	}
}

// RequestDispatched fires the per-request telemetry and trajectory chatter.
func (s *Supervisor) RequestDispatched(accountID int64, requestID, clientModel, upstreamModel string) {
	s.mu.Lock()
	r := s.runners[accountID]
	s.mu.Unlock()
	if r == nil {
		return
	}
	go r.sendTelemetry(requestID)
	go r.sendTrajectory(requestID, clientModel, upstreamModel)
}

// VersionHint forwards an upstream error message to the version fetcher; a
// version-outdated complaint triggers a debounced re-fetch.
func (s *Supervisor) VersionHint(message string) {
	s.versions.Hint(message)
}

// RefreshClientVersion is the hourly cron entrypoint.
func (s *Supervisor) RefreshClientVersion(ctx context.Context) {
	s.versions.Fetch(ctx)
}

func (s *Supervisor) updateHeartbeatToken(accountID int64, accessToken string) {
	s.mu.Lock()
	r := s.runners[accountID]
	s.mu.Unlock()
	if r != nil {
		r.setToken(accessToken)
	}
}
