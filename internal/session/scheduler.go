package session

import (
	"fmt"
	"time"

	"safegate/internal/config"
	"safegate/internal/escalation"
	"safegate/internal/logger"
	"safegate/internal/risk"

	"github.com/robfig/cron/v3"
)

// Scheduler drives trading session boundaries. At session start the daily
// ledger counters reset and an OPEN breaker steps down to HALF_OPEN; at
// session end every still-pending escalation times out.
type Scheduler struct {
	cron    *cron.Cron
	riskMgr *risk.Manager
	esc     *escalation.Manager
}

func New(cfg config.SessionConfig, riskMgr *risk.Manager, esc *escalation.Manager) (*Scheduler, error) {
	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid session timezone %q: %w", cfg.Timezone, err)
		}
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		riskMgr: riskMgr,
		esc:     esc,
	}
	if _, err := s.cron.AddFunc(cfg.StartCron, s.startSession); err != nil {
		return nil, fmt.Errorf("invalid session start schedule %q: %w", cfg.StartCron, err)
	}
	if _, err := s.cron.AddFunc(cfg.EndCron, s.endSession); err != nil {
		return nil, fmt.Errorf("invalid session end schedule %q: %w", cfg.EndCron, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Infof("session: scheduler started")
}

// Stop waits for any in-flight boundary job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Infof("session: scheduler stopped")
}

func (s *Scheduler) startSession() {
	logger.Infof("session: trading session opening")
	s.riskMgr.StartSession()
}

func (s *Scheduler) endSession() {
	expired := s.esc.ExpireAll()
	logger.Infof("session: trading session closed (%d pending escalations timed out)", expired)
}
