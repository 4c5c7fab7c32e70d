package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"walletnet/internal/status"
)

// RecoveryConfig controls automatic reconnection after a lost connection
type RecoveryConfig struct {
	Disabled       bool
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	AttemptTimeout time.Duration
}

// Default recovery values
const (
	DefaultRecoveryMaxAttempts    = 10
	DefaultRecoveryInitialDelay   = 500 * time.Millisecond
	DefaultRecoveryMaxDelay       = 30 * time.Second
	DefaultRecoveryJitter         = 0.5
	DefaultRecoveryAttemptTimeout = 30 * time.Second
)

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRecoveryMaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultRecoveryInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultRecoveryMaxDelay
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = DefaultRecoveryJitter
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultRecoveryAttemptTimeout
	}
	return c
}

func (c RecoveryConfig) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(c.MaxAttempts-1))
}

// handleLost is the transport disconnect callback of generation gen
func (s *Session) handleLost(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.transportGen {
		if gen > s.transportGen {
			s.lostGen = gen
		}
		s.mu.Unlock()
		return
	}
	if s.state != StateRunning || !s.wantRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateRestoring
	start := !s.recovering && !s.cfg.Recovery.Disabled
	if start {
		s.recovering = true
	}
	server := s.active.String()
	s.mu.Unlock()

	s.status.Publish(status.Connecting)
	s.logger.Warn().Err(cause).Str("server", server).Msg("connection lost")

	if start {
		go s.recover()
	}
}

// recover retries Reconnect (or Start once a sweep gave up) with jittered backoff
func (s *Session) recover() {
	defer func() {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}()

	attempt := 0
	op := func() error {
		s.mu.Lock()
		want := s.wantRunning
		state := s.state
		s.mu.Unlock()

		if !want {
			return backoff.Permanent(ErrSessionNotStarted)
		}
		if state == StateRunning {
			return nil
		}

		attempt++
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Recovery.AttemptTimeout)
		defer cancel()

		s.opMu.Lock()
		defer s.opMu.Unlock()
		var err error
		switch s.State() {
		case StateRunning:
			return nil
		case StateStopped:
			err = s.start(ctx)
		default:
			err = s.reconnect(ctx)
		}
		if errors.Is(err, ErrSessionAlreadyStarted) {
			return nil
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("nextRetry", next).Msg("recovery attempt failed")
	}

	if err := backoff.RetryNotify(op, s.cfg.Recovery.policy(s.ctx), notify); err != nil {
		if errors.Is(err, ErrSessionNotStarted) || s.ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Int("attempts", attempt).Msg("recovery gave up")
		return
	}
	s.logger.Info().Int("attempts", attempt).Msg("recovered")
}
