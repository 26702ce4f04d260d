// Package pool selects which credential serves a request. Selection keys on
// the quota group of the mapped model; stickiness, cooldowns, concurrency
// locks and error counters are in-memory maps each behind its own mutex.
package pool

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/antigravity-relay/internal/auth/token"
	"github.com/pysugar/antigravity-relay/internal/catalog"
	"github.com/pysugar/antigravity-relay/internal/config"
	"github.com/pysugar/antigravity-relay/internal/db"
	"github.com/pysugar/antigravity-relay/internal/db/models"
	"github.com/pysugar/antigravity-relay/internal/upstream"
)

// SelectionError is the pool's synthetic no-capacity failure, surfaced to
// clients as an upstream-style 429.
type SelectionError struct {
	Message        string
	UpstreamStatus int
	RetryAfterMs   int64
}

func (e *SelectionError) Error() string { return e.Message }

// Selection is a locked account plus the routing facts derived from the
// client model. The caller must release the lock via Unlock.
type Selection struct {
	Account      *models.Account
	MappedModel  string
	Group        catalog.Group
	SelectionKey string
}

type cooldownEntry struct {
	until       time.Time
	consecutive int
}

// Pool coordinates account selection across concurrent requests.
type Pool struct {
	cfg    *config.Config
	store  *db.Store
	tokens *token.Manager

	stickyMu sync.Mutex
	sticky   map[string]int64 // selection key -> preferred account

	lockMu sync.Mutex
	locks  map[int64]int // account -> in-flight request count

	coolMu    sync.Mutex
	cooldowns map[string]cooldownEntry // "account|key" -> entry

	errMu     sync.Mutex
	errCounts map[int64]int
}

// New builds a pool over the store and token manager.
func New(cfg *config.Config, store *db.Store, tokens *token.Manager) *Pool {
	return &Pool{
		cfg:       cfg,
		store:     store,
		tokens:    tokens,
		sticky:    make(map[string]int64),
		locks:     make(map[int64]int),
		cooldowns: make(map[string]cooldownEntry),
		errCounts: make(map[int64]int),
	}
}

func cooldownKey(accountID int64, selectionKey string) string {
	return fmt.Sprintf("%d|%s", accountID, selectionKey)
}

// GetNextAccount selects and locks the best eligible account for a client
// model. Accounts in excludeIDs are skipped.
func (p *Pool) GetNextAccount(ctx context.Context, clientModel string, excludeIDs map[int64]bool) (*Selection, error) {
	mapped, group, selectionKey := catalog.SelectionKey(clientModel)
	threshold := p.threshold(group)

	quotaModel := mapped
	requireRow := false
	if strings.HasPrefix(selectionKey, "group:") {
		quotaModel = catalog.RepresentativeModel(group)
		requireRow = true
	}

	candidates, err := p.store.ActiveAccounts(quotaModel, requireRow, 0)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if len(candidates) == 0 {
		return nil, &SelectionError{Message: "No active accounts available", UpstreamStatus: 503}
	}

	eligible := make([]db.AccountCandidate, 0, len(candidates))
	var minReset int64
	now := time.Now()
	for _, c := range candidates {
		if c.SelectionQuota > threshold {
			eligible = append(eligible, c)
			continue
		}
		if c.SelectionReset != nil && *c.SelectionReset > now.UnixMilli() {
			if minReset == 0 || *c.SelectionReset < minReset {
				minReset = *c.SelectionReset
			}
		}
	}
	if len(eligible) == 0 {
		retryAfterMs := int64(0)
		resetSecs := int64(0)
		if minReset > 0 {
			retryAfterMs = minReset - now.UnixMilli()
			resetSecs = int64(math.Ceil(float64(retryAfterMs) / 1000))
		}
		label := string(group)
		if label == "" {
			label = mapped
		}
		return nil, &SelectionError{
			Message:        fmt.Sprintf("No account above %d%% quota for %s, reset after %ds", int(threshold*100), label, resetSecs),
			UpstreamStatus: 429,
			RetryAfterMs:   retryAfterMs,
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].SelectionQuota != eligible[j].SelectionQuota {
			return eligible[i].SelectionQuota > eligible[j].SelectionQuota
		}
		return eligible[i].Account.ID < eligible[j].Account.ID
	})
	ordered := p.applyStickiness(selectionKey, eligible)

	var earliestCooldown time.Time
	consideredAny := false
	skippedAllCooling := true
	for _, cand := range ordered {
		id := cand.Account.ID
		if excludeIDs[id] {
			continue
		}
		if !p.tryReserve(id) {
			skippedAllCooling = false
			continue
		}
		if until, cooling := p.coolingUntil(id, selectionKey); cooling {
			p.release(id)
			consideredAny = true
			if earliestCooldown.IsZero() || until.Before(earliestCooldown) {
				earliestCooldown = until
			}
			continue
		}
		consideredAny = true
		skippedAllCooling = false

		acct := cand.Account
		if _, err := p.tokens.EnsureValidToken(ctx, &acct); err != nil {
			p.release(id)
			log.Printf("⚠️ Account %d token refresh failed during selection: %v", id, err)
			p.clearStickyIf(selectionKey, id)
			continue
		}

		p.setSticky(selectionKey, id)
		return &Selection{
			Account:      &acct,
			MappedModel:  mapped,
			Group:        group,
			SelectionKey: selectionKey,
		}, nil
	}

	if consideredAny && skippedAllCooling && !earliestCooldown.IsZero() {
		wait := time.Until(earliestCooldown)
		secs := int64(math.Ceil(wait.Seconds())) - 1
		if secs < 0 {
			secs = 0
		}
		return nil, &SelectionError{
			Message:        fmt.Sprintf("No capacity available, reset after %ds", secs),
			UpstreamStatus: 429,
			RetryAfterMs:   wait.Milliseconds(),
		}
	}
	return nil, &SelectionError{Message: "No available accounts with valid tokens", UpstreamStatus: 503}
}

// applyStickiness moves the preferred account for this key to the front, or
// clears the preference when it is no longer in the eligible list.
func (p *Pool) applyStickiness(selectionKey string, eligible []db.AccountCandidate) []db.AccountCandidate {
	p.stickyMu.Lock()
	preferred, ok := p.sticky[selectionKey]
	p.stickyMu.Unlock()
	if !ok {
		return eligible
	}
	idx := -1
	for i, c := range eligible {
		if c.Account.ID == preferred {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.clearStickyIf(selectionKey, preferred)
		return eligible
	}
	if idx == 0 {
		return eligible
	}
	out := make([]db.AccountCandidate, 0, len(eligible))
	out = append(out, eligible[idx])
	out = append(out, eligible[:idx]...)
	out = append(out, eligible[idx+1:]...)
	return out
}

func (p *Pool) setSticky(selectionKey string, accountID int64) {
	p.stickyMu.Lock()
	p.sticky[selectionKey] = accountID
	p.stickyMu.Unlock()
}

func (p *Pool) clearStickyIf(selectionKey string, accountID int64) {
	p.stickyMu.Lock()
	if p.sticky[selectionKey] == accountID {
		delete(p.sticky, selectionKey)
	}
	p.stickyMu.Unlock()
}

// tryReserve increments the account's lock count unless it is at the limit.
// A limit of zero or below disables locking.
func (p *Pool) tryReserve(accountID int64) bool {
	limit := p.cfg.MaxConcurrentPerAccount
	if limit <= 0 {
		return true
	}
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	if p.locks[accountID] >= limit {
		return false
	}
	p.locks[accountID]++
	return true
}

func (p *Pool) release(accountID int64) {
	if p.cfg.MaxConcurrentPerAccount <= 0 {
		return
	}
	p.lockMu.Lock()
	if p.locks[accountID] > 0 {
		p.locks[accountID]--
	}
	if p.locks[accountID] == 0 {
		delete(p.locks, accountID)
	}
	p.lockMu.Unlock()
}

// UnlockAccount releases the concurrency slot taken by GetNextAccount.
func (p *Pool) UnlockAccount(accountID int64) { p.release(accountID) }

func (p *Pool) coolingUntil(accountID int64, selectionKey string) (time.Time, bool) {
	key := cooldownKey(accountID, selectionKey)
	p.coolMu.Lock()
	defer p.coolMu.Unlock()
	e, ok := p.cooldowns[key]
	if !ok {
		return time.Time{}, false
	}
	if time.Now().After(e.until) {
		e.until = time.Time{}
		p.cooldowns[key] = e
		return time.Time{}, false
	}
	return e.until, true
}

// MarkAccountSuccess clears the error counter and stamps usage.
func (p *Pool) MarkAccountSuccess(accountID int64) {
	p.errMu.Lock()
	delete(p.errCounts, accountID)
	p.errMu.Unlock()
	if err := p.store.TouchAccountUsed(accountID); err != nil {
		log.Printf("⚠️ Failed to stamp account %d usage: %v", accountID, err)
	}
}

// MarkAccountError counts a non-capacity failure; at the configured
// threshold the account is marked status=error in the database.
func (p *Pool) MarkAccountError(accountID int64, cause error) {
	p.errMu.Lock()
	p.errCounts[accountID]++
	count := p.errCounts[accountID]
	p.errMu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	log.Printf("❌ Account %d error %d/%d: %s", accountID, count, p.cfg.ErrorCountToDisable, msg)
	if count >= p.cfg.ErrorCountToDisable {
		if err := p.store.MarkAccountStatus(accountID, models.StatusError, msg); err != nil {
			log.Printf("⚠️ Failed to mark account %d errored: %v", accountID, err)
		} else {
			log.Printf("🚫 Account %d disabled after %d consecutive errors", accountID, count)
		}
	}
}

// MarkCapacityLimited starts (or extends) the cooldown for one selection key
// on one account. Backoff doubles per consecutive hit between the configured
// floor and ceiling; an explicit "reset after Ns" in the message overrides
// with (N+1) seconds. Global upstream saturation is not cooled: switching
// accounts would not help.
func (p *Pool) MarkCapacityLimited(accountID int64, selectionKey, message string) {
	if upstream.IsServerCapacityMessage(message) {
		log.Printf("🌊 Upstream saturated (account %d, %s), no cooldown", accountID, selectionKey)
		return
	}
	key := cooldownKey(accountID, selectionKey)
	p.coolMu.Lock()
	e := p.cooldowns[key]
	e.consecutive++
	var cooldown time.Duration
	if reset := upstream.ParseResetAfter(message); reset > 0 {
		cooldown = reset + time.Second
	} else {
		cooldown = p.cfg.CooldownDefault * time.Duration(1<<uint(e.consecutive-1))
		if cooldown > p.cfg.CooldownMax || cooldown <= 0 {
			cooldown = p.cfg.CooldownMax
		}
	}
	e.until = time.Now().Add(cooldown)
	p.cooldowns[key] = e
	p.coolMu.Unlock()
	log.Printf("🧊 Account %d cooling for %s on %s (hit %d)", accountID, cooldown, selectionKey, e.consecutive)
}

// MarkCapacityRecovered ends the cooldown and zeroes the consecutive counter.
func (p *Pool) MarkCapacityRecovered(accountID int64, selectionKey string) {
	p.coolMu.Lock()
	delete(p.cooldowns, cooldownKey(accountID, selectionKey))
	p.coolMu.Unlock()
}

// GetAvailableAccountCount reports how many accounts could currently serve a
// client model; the retry orchestrator bounds account switches with it.
func (p *Pool) GetAvailableAccountCount(clientModel string) int {
	mapped, group, selectionKey := catalog.SelectionKey(clientModel)
	threshold := p.threshold(group)
	quotaModel := mapped
	requireRow := false
	if strings.HasPrefix(selectionKey, "group:") {
		quotaModel = catalog.RepresentativeModel(group)
		requireRow = true
	}
	candidates, err := p.store.ActiveAccounts(quotaModel, requireRow, threshold)
	if err != nil {
		return 0
	}
	n := 0
	for _, c := range candidates {
		if _, cooling := p.coolingUntil(c.Account.ID, selectionKey); !cooling {
			n++
		}
	}
	return n
}

// GroupRouting describes routing state for one quota group.
type GroupRouting struct {
	Group            catalog.Group `json:"group"`
	Threshold        float64       `json:"threshold"`
	PreferredAccount int64         `json:"preferred_account,omitempty"`
	EligibleAccounts int           `json:"eligible_accounts"`
	CoolingAccounts  int           `json:"cooling_accounts"`
}

// GetGroupRoutingOverview snapshots routing state across all quota groups.
func (p *Pool) GetGroupRoutingOverview() []GroupRouting {
	out := make([]GroupRouting, 0, len(catalog.Groups))
	for _, g := range catalog.Groups {
		selectionKey := "group:" + string(g)
		threshold := p.threshold(g)
		candidates, err := p.store.ActiveAccounts(catalog.RepresentativeModel(g), true, threshold)
		if err != nil {
			continue
		}
		cooling := 0
		for _, c := range candidates {
			if _, on := p.coolingUntil(c.Account.ID, selectionKey); on {
				cooling++
			}
		}
		p.stickyMu.Lock()
		preferred := p.sticky[selectionKey]
		p.stickyMu.Unlock()
		out = append(out, GroupRouting{
			Group:            g,
			Threshold:        threshold,
			PreferredAccount: preferred,
			EligibleAccounts: len(candidates),
			CoolingAccounts:  cooling,
		})
	}
	return out
}

func (p *Pool) threshold(group catalog.Group) float64 {
	if group == "" {
		return p.cfg.GroupThresholdDefault
	}
	return p.store.GroupThreshold(string(group), p.cfg.GroupThresholdDefault)
}
