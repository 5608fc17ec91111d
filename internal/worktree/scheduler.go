package worktree

import (
	"github.com/robfig/cron/v3"
)

// Scheduler is the minimal cron surface StartSweeper needs; CronScheduler
// wraps github.com/robfig/cron/v3 the way the teacher's internal/cron
// package wraps scheduled expressions for its own task scheduler.
type Scheduler interface {
	AddFunc(fn func()) (cron.EntryID, error)
	Remove(id cron.EntryID)
	Start()
	Stop()
}

// CronScheduler runs a single interval-based entry (e.g. "@every 10m")
// using robfig/cron/v3.
type CronScheduler struct {
	spec string
	c    *cron.Cron
}

// NewCronScheduler creates a scheduler that fires on spec, a standard cron
// expression or an "@every <duration>" descriptor.
func NewCronScheduler(spec string) *CronScheduler {
	return &CronScheduler{
		spec: spec,
		c:    cron.New(),
	}
}

func (s *CronScheduler) AddFunc(fn func()) (cron.EntryID, error) {
	return s.c.AddFunc(s.spec, fn)
}

func (s *CronScheduler) Remove(id cron.EntryID) { s.c.Remove(id) }
func (s *CronScheduler) Start()                 { s.c.Start() }
func (s *CronScheduler) Stop()                  { s.c.Stop() }
