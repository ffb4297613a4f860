package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/chatturn/pkg/models"
)

// DefaultGapLogSize bounds the number of gaps kept in memory.
const DefaultGapLogSize = 1000

// DefaultReplaySchedule is how often recorded gaps are retried.
const DefaultReplaySchedule = "@every 5m"

// Gap is a write that failed after all retries, kept with its payload so it
// can be inspected and replayed.
type Gap struct {
	ID         string
	Operation  Operation
	ChatID     string
	Err        string
	Attempts   int
	Replays    int
	RecordedAt time.Time

	Chat         *models.Chat
	Messages     []*models.Message
	Document     *models.Document
	Suggestions  []*models.Suggestion
	SuggestionID string
}

// GapLog is a bounded, concurrency-safe list of gaps. When full, the oldest gap
// is dropped.
type GapLog struct {
	mu   sync.Mutex
	gaps []Gap
	max  int
}

// NewGapLog creates a gap log holding at most max entries.
func NewGapLog(max int) *GapLog {
	if max <= 0 {
		max = DefaultGapLogSize
	}
	return &GapLog{max: max}
}

// Record appends a gap, assigning an id when missing.
func (l *GapLog) Record(gap Gap) {
	if gap.ID == "" {
		gap.ID = uuid.NewString()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.gaps) >= l.max {
		l.gaps = l.gaps[1:]
	}
	l.gaps = append(l.gaps, gap)
}

// List returns a snapshot of the recorded gaps, oldest first.
func (l *GapLog) List() []Gap {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Gap(nil), l.gaps...)
}

// Len returns the number of recorded gaps.
func (l *GapLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.gaps)
}

func (l *GapLog) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, gap := range l.gaps {
		if gap.ID == id {
			l.gaps = append(l.gaps[:i], l.gaps[i+1:]...)
			return
		}
	}
}

func (l *GapLog) markReplayed(id, errText string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.gaps {
		if l.gaps[i].ID == id {
			l.gaps[i].Replays++
			l.gaps[i].Err = errText
			return
		}
	}
}

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// GapReplayer periodically re-submits recorded gaps through the writer.
type GapReplayer struct {
	writer   *Writer
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewGapReplayer creates a replayer. An empty schedule uses DefaultReplaySchedule.
func NewGapReplayer(writer *Writer, schedule string, logger *slog.Logger) (*GapReplayer, error) {
	if writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	if schedule == "" {
		schedule = DefaultReplaySchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid replay schedule: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GapReplayer{
		writer:   writer,
		schedule: schedule,
		timeout:  time.Minute,
		logger:   logger.With("component", "gap-replayer"),
	}, nil
}

// Start schedules replay runs.
func (r *GapReplayer) Start() error {
	r.cron = cron.New(cron.WithParser(cronParser))
	if _, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		r.ReplayOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule gap replay: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop stops scheduling and waits for a running replay or ctx.
func (r *GapReplayer) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReplayOnce tries every recorded gap once and removes those that succeed.
func (r *GapReplayer) ReplayOnce(ctx context.Context) (replayed, failed int) {
	gaps := r.writer.gaps.List()
	for _, gap := range gaps {
		if ctx.Err() != nil {
			break
		}
		if err := r.writer.apply(ctx, gap); err != nil {
			failed++
			r.writer.gaps.markReplayed(gap.ID, err.Error())
			r.logger.WarnContext(ctx, "gap replay failed",
				"gap_id", gap.ID,
				"operation", gap.Operation,
				"replays", gap.Replays+1,
				"error", err,
			)
			continue
		}
		replayed++
		r.writer.gaps.remove(gap.ID)
	}
	if replayed > 0 || failed > 0 {
		r.logger.InfoContext(ctx, "gap replay finished", "replayed", replayed, "failed", failed)
	}
	return replayed, failed
}
