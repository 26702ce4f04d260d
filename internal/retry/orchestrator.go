// Package retry drives upstream calls through the account pool: same-account
// retries, cross-account switches bounded by pool size and a wall-clock
// deadline, and a single forced token refresh on 401-class failures. Every
// call, success or not, leaves an attempt-log row.
package retry

import (
	"context"
	"log"
	"time"

	"github.com/pysugar/antigravity-relay/internal/auth/token"
	"github.com/pysugar/antigravity-relay/internal/config"
	"github.com/pysugar/antigravity-relay/internal/db"
	"github.com/pysugar/antigravity-relay/internal/db/models"
	"github.com/pysugar/antigravity-relay/internal/pool"
	"github.com/pysugar/antigravity-relay/internal/upstream"
)

// CallFunc performs one upstream call with a locked account. The returned
// value is passed through to the orchestrator's caller on success.
type CallFunc func(ctx context.Context, sel *pool.Selection) (interface{}, error)

// Orchestrator owns the retry strategies.
type Orchestrator struct {
	cfg    *config.Config
	pool   *pool.Pool
	tokens *token.Manager
	store  *db.Store
}

// New builds an orchestrator.
func New(cfg *config.Config, p *pool.Pool, tokens *token.Manager, store *db.Store) *Orchestrator {
	return &Orchestrator{cfg: cfg, pool: p, tokens: tokens, store: store}
}

// ExecuteWithFullRetry is the chat strategy: per selected account up to
// sameAccountRetries+1 calls, switching accounts until the pool is exhausted
// or the total deadline passes. On success the account stays locked and is
// returned so the caller can release it after streaming finishes.
func (o *Orchestrator) ExecuteWithFullRetry(ctx context.Context, requestID, clientModel string, call CallFunc) (interface{}, *pool.Selection, error) {
	deadline := time.Now().Add(o.cfg.RetryTotalTimeout)
	maxSwitches := o.pool.GetAvailableAccountCount(clientModel)
	if maxSwitches < 1 {
		maxSwitches = 1
	}

	exclude := make(map[int64]bool)
	attemptNo := 0
	var lastErr error

	for accountAttempt := 1; accountAttempt <= maxSwitches; accountAttempt++ {
		sel, err := o.pool.GetNextAccount(ctx, clientModel, exclude)
		if err != nil {
			if lastErr != nil {
				return nil, nil, lastErr
			}
			return nil, nil, err
		}
		accountID := sel.Account.ID
		exclude[accountID] = true
		refreshed := false

		for sameRetry := 0; sameRetry <= o.cfg.SameAccountRetries; sameRetry++ {
			if time.Now().After(deadline) && attemptNo > 0 {
				o.pool.UnlockAccount(accountID)
				log.Printf("⏱️ Retry deadline reached for %s after %d attempts", requestID, attemptNo)
				return nil, nil, lastErr
			}
			attemptNo++

			result, callErr := o.attempt(ctx, requestID, sel, attemptNo, accountAttempt, sameRetry, call)
			if callErr == nil {
				o.pool.MarkAccountSuccess(accountID)
				o.pool.MarkCapacityRecovered(accountID, sel.SelectionKey)
				return result, sel, nil
			}
			lastErr = callErr

			if upstream.IsCanceled(callErr) {
				o.pool.UnlockAccount(accountID)
				return nil, nil, callErr
			}
			if upstream.IsNonRetryable(callErr) {
				o.pool.UnlockAccount(accountID)
				return nil, nil, callErr
			}

			if upstream.IsAuthError(callErr) {
				if refreshed {
					o.pool.MarkAccountError(accountID, callErr)
					break // next account
				}
				refreshed = true
				if _, err := o.tokens.ForceRefreshToken(ctx, accountID); err != nil {
					o.pool.MarkAccountError(accountID, err)
					break
				}
				if fresh, err := o.store.GetAccount(accountID); err == nil {
					sel.Account = fresh
				}
				sameRetry-- // the refreshed call does not consume a retry
				continue
			}

			if upstream.IsCapacityError(callErr) {
				msg := errMessage(callErr)
				if upstream.IsServerCapacityExhausted(callErr) {
					// Globally saturated; another account would fare no
					// better, so retry in place after a short pause.
					if sameRetry < o.cfg.SameAccountRetries {
						sleepCtx(ctx, o.cfg.SameAccountRetryDelay)
						continue
					}
					break
				}
				o.pool.MarkCapacityLimited(accountID, sel.SelectionKey, msg)
				break // switch account
			}

			// Network-class failure: retry on the same account after a delay.
			if sameRetry < o.cfg.SameAccountRetries {
				sleepCtx(ctx, o.cfg.SameAccountRetryDelay)
				continue
			}
			o.pool.MarkAccountError(accountID, callErr)
		}
		o.pool.UnlockAccount(accountID)
	}
	return nil, nil, lastErr
}

// ExecuteWithCapacityRetry is the light-call strategy (token counting and
// similar): up to maxRetries+2 attempts, a fresh account per attempt unless
// the upstream is globally saturated, delays honoring the parsed reset hint.
func (o *Orchestrator) ExecuteWithCapacityRetry(ctx context.Context, requestID, clientModel string, call CallFunc) (interface{}, *pool.Selection, error) {
	maxAttempts := o.cfg.SameAccountRetries + 2
	exclude := make(map[int64]bool)
	var lastErr error
	var sel *pool.Selection

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if sel == nil {
			var err error
			sel, err = o.pool.GetNextAccount(ctx, clientModel, exclude)
			if err != nil {
				if lastErr != nil {
					return nil, nil, lastErr
				}
				return nil, nil, err
			}
		}
		accountID := sel.Account.ID

		result, callErr := o.attempt(ctx, requestID, sel, attempt, len(exclude)+1, 0, call)
		if callErr == nil {
			o.pool.MarkAccountSuccess(accountID)
			return result, sel, nil
		}
		lastErr = callErr

		if upstream.IsCanceled(callErr) || upstream.IsNonRetryable(callErr) {
			o.pool.UnlockAccount(accountID)
			return nil, nil, callErr
		}
		if attempt == maxAttempts {
			o.pool.UnlockAccount(accountID)
			break
		}

		delay := o.cfg.CapacityRetryDelay * time.Duration(attempt)
		if reset := upstream.ParseResetAfter(errMessage(callErr)); reset > 0 {
			delay = reset
		}
		// On global saturation the same account is retried in place and its
		// lock stays held; only an account switch releases it.
		if !upstream.IsServerCapacityExhausted(callErr) {
			if upstream.IsCapacityError(callErr) {
				o.pool.MarkCapacityLimited(accountID, sel.SelectionKey, errMessage(callErr))
			}
			o.pool.UnlockAccount(accountID)
			exclude[accountID] = true
			sel = nil
		}
		sleepCtx(ctx, delay)
	}
	return nil, nil, lastErr
}

// attempt runs one call and records its attempt-log row.
func (o *Orchestrator) attempt(ctx context.Context, requestID string, sel *pool.Selection, attemptNo, accountAttempt, sameRetry int, call CallFunc) (interface{}, error) {
	started := time.Now()
	result, err := call(ctx, sel)

	status := models.AttemptSuccess
	errMsg := ""
	if err != nil {
		status = models.AttemptError
		if upstream.IsCanceled(err) {
			status = models.AttemptAborted
		}
		errMsg = errMessage(err)
	}
	accountID := sel.Account.ID
	row := &models.RequestAttempt{
		RequestID:      requestID,
		AccountID:      &accountID,
		Model:          sel.MappedModel,
		AttemptNo:      attemptNo,
		AccountAttempt: accountAttempt,
		SameRetry:      sameRetry,
		Status:         status,
		LatencyMs:      time.Since(started).Milliseconds(),
		ErrorMessage:   errMsg,
		StartedAt:      started.UnixMilli(),
	}
	if dbErr := o.store.SaveAttempt(row); dbErr != nil {
		log.Printf("⚠️ Attempt log write failed for %s: %v", requestID, dbErr)
	}
	return result, err
}

// RecordStreamEnd appends a terminal attempt row for a stream that died
// after the success row was already written: aborted when the client went
// away mid-stream, error when the upstream feed failed.
func (o *Orchestrator) RecordStreamEnd(requestID string, sel *pool.Selection, clientGone bool, streamErr error) {
	status := models.AttemptError
	if clientGone {
		status = models.AttemptAborted
	}
	accountID := sel.Account.ID
	row := &models.RequestAttempt{
		RequestID:    requestID,
		AccountID:    &accountID,
		Model:        sel.MappedModel,
		Status:       status,
		ErrorMessage: errMessage(streamErr),
		StartedAt:    time.Now().UnixMilli(),
	}
	if err := o.store.SaveAttempt(row); err != nil {
		log.Printf("⚠️ Attempt log write failed for %s: %v", requestID, err)
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	if ue, ok := upstream.AsError(err); ok {
		return ue.Message
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
