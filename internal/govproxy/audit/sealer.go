package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
)

// HeadSource reports the current chain head.
type HeadSource interface {
	Head() ChainState
}

// Sealer periodically writes signed checkpoints of a chain head.
type Sealer struct {
	cron    *cron.Cron
	source  HeadSource
	dir     string
	keyPath string
	now     func() time.Time

	mu         sync.Mutex
	lastSealed int
}

// NewSealer schedules sealing of source on schedule, a cron spec such as
// "@every 1h" or "0 * * * *".
func NewSealer(source HeadSource, schedule, dir, privateKeyPath string) (*Sealer, error) {
	if dir == "" || privateKeyPath == "" {
		return nil, fmt.Errorf("sealer needs a checkpoint dir and a private key")
	}
	s := &Sealer{
		cron:       cron.New(),
		source:     source,
		dir:        dir,
		keyPath:    privateKeyPath,
		now:        time.Now,
		lastSealed: -1,
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Seal(); err != nil {
			logger.L().Errorw("Scheduled checkpoint failed", "dir", s.dir, "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid checkpoint schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule.
func (s *Sealer) Start() {
	s.cron.Start()
	logger.L().Infow("Checkpoint sealer started", "dir", s.dir)
}

// Stop ends the schedule and waits for a running seal to finish.
func (s *Sealer) Stop() {
	<-s.cron.Stop().Done()
	logger.L().Infow("Checkpoint sealer stopped", "dir", s.dir)
}

// Seal writes a checkpoint of the current head. It returns "" without
// writing when the head has not moved since the last seal.
func (s *Sealer) Seal() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.source.Head()
	if head.LastChainIndex == s.lastSealed {
		return "", nil
	}
	path, err := WriteCheckpoint(s.dir, head, s.keyPath, s.now())
	if err != nil {
		return "", err
	}
	s.lastSealed = head.LastChainIndex
	logger.L().Infow("Checkpoint written", "path", path, "index", head.LastChainIndex)
	return path, nil
}
