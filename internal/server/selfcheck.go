package server

import (
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aegislabs/warden/internal/audit"
)

// selfCheck periodically re-verifies the audit hash chain so tampering is
// noticed long before an incident forces a forensic replay.
type selfCheck struct {
	logPath string
	key     []byte
	metrics *metrics
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	running bool
}

func newSelfCheck(logPath string, key []byte, m *metrics, logger zerolog.Logger) *selfCheck {
	return &selfCheck{
		logPath: logPath,
		key:     key,
		metrics: m,
		cron:    cron.New(),
		logger:  logger.With().Str("component", "audit_selfcheck").Logger(),
	}
}

// start runs one immediate check and schedules a nightly one at 02:00 UTC.
func (s *selfCheck) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("audit self-check already running")
	}
	if s.logPath == "" || len(s.key) == 0 {
		s.logger.Warn().Msg("audit self-check disabled: no log path or key configured")
		return nil
	}

	s.runOnce()
	if _, err := s.cron.AddFunc("0 2 * * *", s.runOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Msg("audit self-check scheduled (daily at 02:00 UTC)")
	return nil
}

func (s *selfCheck) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.cron.Stop()
		s.running = false
	}
}

func (s *selfCheck) runOnce() {
	ok, badIndex, err := audit.VerifyChain(s.logPath, s.key)
	if err != nil {
		s.logger.Error().Err(err).Msg("audit chain self-check failed to run")
		return
	}
	if !ok {
		s.metrics.auditChainValid.Set(0)
		s.logger.Error().Int("entry_index", badIndex).Msg("audit chain verification FAILED: tampering detected")
		return
	}
	s.metrics.auditChainValid.Set(1)
	s.logger.Debug().Msg("audit chain verified")
}
