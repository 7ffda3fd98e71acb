// Package schedule prints configured text on cron schedules, e.g. a clock
// line refreshed every minute.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lcdmatrix/internal/command"
	"lcdmatrix/internal/config"
	appLog "lcdmatrix/internal/log"
	"lcdmatrix/internal/matrix"
	"lcdmatrix/internal/model"
)

// Placeholders expanded in line templates.
const (
	PlaceholderTime = "{time}"
	PlaceholderDate = "{date}"
)

// Dispatcher runs a command; *command.Router implements it.
type Dispatcher interface {
	Dispatch(c command.Command) bool
}

// Option tunes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now for placeholder expansion.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLocation runs schedules and formats placeholders in loc.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// WithFired registers a callback invoked with the entry name after each run.
func WithFired(fn func(name string)) Option {
	return func(s *Scheduler) { s.fired = fn }
}

type entry struct {
	cfg config.ScheduleConfig
	id  cron.EntryID
}

// Scheduler owns a cron instance with one job per configured entry.
type Scheduler struct {
	cron    *cron.Cron
	d       Dispatcher
	now     func() time.Time
	loc     *time.Location
	fired   func(string)
	entries map[string]*entry

	mu      sync.Mutex
	running bool
}

// New validates and registers entries. Nothing runs until Start.
func New(entries []config.ScheduleConfig, d Dispatcher, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		d:       d,
		now:     time.Now,
		loc:     time.Local,
		entries: make(map[string]*entry, len(entries)),
	}
	for _, o := range opts {
		o(s)
	}
	s.cron = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{})),
	)

	for _, e := range entries {
		if e.Name == "" {
			return nil, errors.New("schedule: entry without name")
		}
		if _, dup := s.entries[e.Name]; dup {
			return nil, fmt.Errorf("schedule %s: duplicate name", e.Name)
		}
		if len(e.Lines) != 2 {
			return nil, fmt.Errorf("schedule %s: want exactly 2 lines, got %d", e.Name, len(e.Lines))
		}
		if e.Print == "" {
			e.Print = matrix.StrategyOnNextOrID
		}
		if !command.ValidStrategy(e.Print) {
			return nil, fmt.Errorf("schedule %s: unknown print strategy %q", e.Name, e.Print)
		}

		ent := &entry{cfg: e}
		name := e.Name
		id, err := s.cron.AddFunc(e.Cron, func() { s.Fire(name) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s: cron %q: %w", e.Name, e.Cron, err)
		}
		ent.id = id
		s.entries[e.Name] = ent
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	appLog.Info("scheduler started", "entries", len(s.entries))
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	appLog.Info("scheduler stopped")
}

// Next returns the next activation time of the named entry, if it is
// scheduled and the scheduler is running.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	e, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(e.id).Next
	return next, !next.IsZero()
}

// Fire runs the named entry now. It reports whether a display took the
// update.
func (s *Scheduler) Fire(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	now := s.now().In(s.loc)

	var lines model.Lines
	for i, tmpl := range e.cfg.Lines {
		if tmpl != nil {
			text := Expand(*tmpl, now)
			lines[i] = &text
		}
	}

	ok = s.d.Dispatch(command.Print(e.cfg.Print, lines, e.cfg.ID))
	if s.fired != nil {
		s.fired(name)
	}
	appLog.Debug("schedule fired", "name", name, "id", e.cfg.ID, "shown", ok)
	return ok
}

// Expand substitutes {time} (15:04) and {date} (2006-01-02).
func Expand(tmpl string, now time.Time) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}
	r := strings.NewReplacer(
		PlaceholderTime, now.Format("15:04"),
		PlaceholderDate, now.Format("2006-01-02"),
	)
	return r.Replace(tmpl)
}

// cronLogger routes cron's logging into the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
