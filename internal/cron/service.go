// Package cron runs scheduled jobs (spending digests, savings tips) and
// persists them to a JSON file.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

var ErrJobNotFound = errors.New("cron job not found")

var exprParser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Handler runs one job and returns a short result for the log.
type Handler func(ctx context.Context, job CronJob) (string, error)

type Service struct {
	storePath string
	OnJob     Handler

	mu       sync.Mutex
	jobs     []CronJob
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		entryMap:  make(map[string]rcron.EntryID),
		runCtx:    context.Background(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load jobs: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.done = done
	s.cron = rcron.New(rcron.WithParser(exprParser))
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			s.registerLocked(s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", count)

	go s.tickLoop(runCtx, done)
	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) registerLocked(job CronJob) {
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.execute(job.ID)
	})
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", job.Name, job.Schedule.Expr, err)
		return
	}
	s.entryMap[job.ID] = id
}

func (s *Service) unregisterLocked(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

// execute runs the current version of job id and records the outcome.
func (s *Service) execute(id string) {
	s.mu.Lock()
	job, ok := s.findLocked(id)
	ctx := s.runCtx
	s.mu.Unlock()
	if !ok {
		return
	}

	log.Printf("[cron] executing job %s (%s)", job.Name, job.ID)
	if s.OnJob == nil {
		log.Printf("[cron] no OnJob handler set")
		return
	}
	result, err := s.OnJob(ctx, job)
	s.record(job, result, err)
}

func (s *Service) record(job CronJob, result string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(job.ID)
	if i < 0 {
		return
	}
	state := &s.jobs[i].State
	state.LastRunAtMs = time.Now().UnixMilli()
	if runErr != nil {
		state.LastStatus = "error"
		state.LastError = runErr.Error()
		log.Printf("[cron] job %s error: %v", job.Name, runErr)
	} else {
		state.LastStatus = "ok"
		state.LastError = ""
		log.Printf("[cron] job %s result: %s", job.Name, truncate(result, 100))
	}

	if s.jobs[i].DeleteAfterRun {
		s.unregisterLocked(job.ID)
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	}
	if err := s.save(); err != nil {
		log.Printf("[cron] save jobs: %v", err)
	}
}

func (s *Service) tickLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, id := range s.dueJobs(time.Now()) {
				s.execute(id)
			}
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

// dueJobs returns interval and one-shot jobs whose time has come. One-shot
// jobs are disabled as they are picked so they never fire twice.
func (s *Service) dueJobs(now time.Time) []string {
	nowMs := now.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Schedule.Kind {
		case KindEvery:
			if job.Schedule.EveryMs > 0 && nowMs >= job.State.LastRunAtMs+job.Schedule.EveryMs {
				// Claim the slot now; record() overwrites it after the run.
				job.State.LastRunAtMs = nowMs
				due = append(due, job.ID)
			}
		case KindAt:
			if job.Schedule.AtMs > 0 && nowMs >= job.Schedule.AtMs {
				job.Enabled = false
				due = append(due, job.ID)
			}
		}
	}
	return due
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	c := s.cron
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if done == nil {
		return
	}
	close(done)
	cancel()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[cron] stopped")
}

func validate(schedule Schedule) error {
	switch schedule.Kind {
	case KindCron:
		if _, err := exprParser.Parse(schedule.Expr); err != nil {
			return fmt.Errorf("parse cron expr %q: %w", schedule.Expr, err)
		}
	case KindEvery:
		if schedule.EveryMs <= 0 {
			return errors.New("every schedule needs a positive interval")
		}
	case KindAt:
		if schedule.AtMs <= 0 {
			return errors.New("at schedule needs a time")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}
	return nil
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := validate(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)
	if job.Schedule.Kind == KindCron && s.cron != nil {
		s.registerLocked(job)
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// EnsureJob adds a job called name unless one already exists, and returns
// the stored job.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Name == name {
			s.mu.Unlock()
			return &job, nil
		}
	}
	s.mu.Unlock()
	return s.AddJob(name, schedule, payload)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.unregisterLocked(id)
	s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	if err := s.save(); err != nil {
		log.Printf("[cron] save jobs: %v", err)
	}
	return true
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	s.jobs[i].Enabled = enabled
	if s.jobs[i].Schedule.Kind == KindCron && s.cron != nil {
		_, registered := s.entryMap[id]
		switch {
		case enabled && !registered:
			s.registerLocked(s.jobs[i])
		case !enabled:
			s.unregisterLocked(id)
		}
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	job := s.jobs[i]
	return &job, nil
}

// RunNow executes job id immediately, outside its schedule.
func (s *Service) RunNow(id string) error {
	s.mu.Lock()
	_, ok := s.findLocked(id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	s.execute(id)
	return nil
}

func (s *Service) indexLocked(id string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) findLocked(id string) (CronJob, bool) {
	if i := s.indexLocked(id); i >= 0 {
		return s.jobs[i], true
	}
	return CronJob{}, false
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read jobs: %w", err)
	}
	var jobs []CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse jobs: %w", err)
	}
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	return nil
}

func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
