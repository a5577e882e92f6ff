package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a sweep every five minutes.
const DefaultSchedule = "@every 5m"

// Scheduler triggers sweeps on a cron schedule. A tick that arrives while
// the previous sweep is still running is dropped.
type Scheduler struct {
	cron    *cron.Cron
	entry   cron.EntryID
	sweeper *Sweeper
	logger  Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	last   *TriggerResult
}

func NewScheduler(schedule string, sweeper *Sweeper, logger Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	cl := cronLogger{logger}
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		sweeper: sweeper,
		logger:  logger,
	}
	id, err := s.cron.AddFunc(schedule, s.tick)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid sweep schedule %q", schedule)
	}
	s.entry = id
	return s, nil
}

// Start begins firing sweeps. Sweeps run with a context derived from ctx
// and are cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Infof("Sweep scheduler started, next sweep at %s", s.Next().Format(time.RFC3339))
}

// Stop cancels a running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Infof("Sweep scheduler stopped")
}

// Next is the time of the next scheduled sweep.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Last returns the result of the most recent scheduled sweep, if any.
func (s *Scheduler) Last() (TriggerResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return TriggerResult{}, false
	}
	return *s.last, true
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	res := s.sweeper.Trigger(ctx)
	if !res.Success {
		s.logger.Errorf("Scheduled sweep failed: %s", res.Error)
	}
	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
}

// cronLogger routes cron's own logging through Logger.
type cronLogger struct {
	logger Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infof("cron: %s %s", msg, formatKV(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorf("cron: %s: %v %s", msg, err, formatKV(keysAndValues))
}

func formatKV(kv []interface{}) string {
	out := ""
	for i := 0; i+1 < len(kv); i += 2 {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%v=%v", kv[i], kv[i+1])
	}
	return out
}
