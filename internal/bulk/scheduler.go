package bulk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// Scheduler writes export snapshots to a directory on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	exporter *Exporter
	dir      string
	types    []fhir.ResourceType
	logger   zerolog.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	now     func() time.Time
}

func NewScheduler(exp *Exporter, dir string, types []fhir.ResourceType, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		exporter: exp,
		dir:      dir,
		types:    types,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ParseSchedule checks a standard five-field cron expression.
func ParseSchedule(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// Schedule replaces the snapshot job with one running on spec. Runs never
// overlap; a run still in progress delays the next.
func (s *Scheduler) Schedule(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.entryID = 0
	}
	cl := cronLogger{logger: s.logger}
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		if _, err := s.Snapshot(context.Background()); err != nil {
			s.logger.Error().Err(err).Str("dir", s.dir).Msg("export snapshot failed")
		}
	}))
	id, err := s.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.entryID = id
	s.logger.Info().Str("schedule", spec).Str("dir", s.dir).Msg("export snapshots scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running snapshot to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Snapshot writes one export file now and returns its path. The file appears
// under its final name only once complete.
func (s *Scheduler) Snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	name := fmt.Sprintf("export-%s.ndjson", s.now().Format("20060102T150405.000000000Z"))
	tmp, err := os.CreateTemp(s.dir, ".export-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	sum, err := s.exporter.Export(ctx, tmp, s.types, nil)
	if err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	path := filepath.Join(s.dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish snapshot: %w", err)
	}
	s.logger.Info().Str("path", path).Int("resources", sum.Total).Msg("export snapshot written")
	return path, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug().Fields(formatTimeValues(keysAndValues)).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error().Err(err).Fields(formatTimeValues(keysAndValues)).Msg(msg)
}

// formatTimeValues turns cron's key/value pairs into a field map, rendering
// times as RFC3339.
func formatTimeValues(keysAndValues []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		if i+1 < len(keysAndValues) {
			v := keysAndValues[i+1]
			if t, ok := v.(time.Time); ok {
				v = t.Format(time.RFC3339)
			}
			out[key] = v
		}
	}
	return out
}
