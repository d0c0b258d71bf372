package cron

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs named background jobs on cron schedules: database
// maintenance, presence refresh, anything periodic that should not live in
// an ad-hoc goroutine.
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Entry

	mu      sync.Mutex
	running bool
}

func NewScheduler(log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log,
	}
}

// Add registers a job under a cron spec (with seconds field). Job errors are
// logged, never fatal: a failing maintenance job must not take the bot down.
func (s *Scheduler) Add(name, spec string, job func() error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := job(); err != nil {
			s.log.WithFields(logrus.Fields{"job": name, "cause": err.Error()}).Error("scheduled job failed")
			return
		}
		s.log.WithField("job", name).Debug("scheduled job completed")
	})
	if err != nil {
		return errors.Wrapf(err, "invalid schedule %q for job %s", spec, name)
	}
	return nil
}

// Start begins executing registered jobs. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.log.WithField("jobs", len(s.cron.Entries())).Info("scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	<-s.cron.Stop().Done()
}
