package service

import (
	"time"

	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
	"github.com/zyn1030z/SLA-service-sub000/pkg/storage"
)

// Logger defines the logging interface for the SLA services
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Clock is the only source of "now" for evaluation, so a sweep can be
// replayed at a fixed instant.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
func SystemClock() Clock { return systemClock{} }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Metrics receives sweep observations. internal/metrics provides the
// Prometheus implementation.
type Metrics interface {
	ObserveSweep(report SweepReport)
	ObserveEscalation(kind models.ActionKind, success bool)
	SetActiveRecords(waiting, violated int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSweep(SweepReport)                  {}
func (nopMetrics) ObserveEscalation(models.ActionKind, bool) {}
func (nopMetrics) SetActiveRecords(int, int)                 {}

// finishTx commits txStore when *err is nil and rolls it back otherwise.
// Call it deferred with the caller's named error.
func finishTx(txStore storage.Store, err *error, logger Logger) {
	if *err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, *err)
		}
		return
	}
	if commitErr := txStore.Commit(); commitErr != nil {
		logger.Errorf("Failed to commit: %v", commitErr)
		*err = commitErr
	}
}
