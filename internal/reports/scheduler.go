// Package reports runs the end-of-day branch summaries on a cron schedule.
package reports

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/stats"
)

const dateLayout = "2006-01-02"

// Source is what the scheduler reads from the engine.
type Source interface {
	ListBranches(ctx context.Context) ([]models.Branch, error)
	GetStats(ctx context.Context, branchID, startDate, endDate, servedBy string) (stats.Summary, error)
	Location() *time.Location
}

type Anomaly struct {
	BranchID  string
	Type      string
	Value     float64
	Threshold float64
}

type DailyReport struct {
	BranchID string
	Date     string
	Summary  stats.Summary
	Anomaly  *Anomaly
}

type Scheduler struct {
	source    Source
	cron      *cron.Cron
	threshold time.Duration
	timeout   time.Duration
	now       func() time.Time
}

// New registers the daily run at schedule, evaluated in the engine location.
// A zero threshold disables anomaly flagging.
func New(source Source, schedule string, threshold time.Duration) (*Scheduler, error) {
	s := &Scheduler{
		source:    source,
		cron:      cron.New(cron.WithLocation(source.Location())),
		threshold: threshold,
		timeout:   time.Minute,
		now:       time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("report schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running report to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunDaily(ctx); err != nil {
		log.Printf("daily report error: %v", err)
	}
}

// RunDaily summarises today for every active branch. A branch that fails is
// logged and skipped.
func (s *Scheduler) RunDaily(ctx context.Context) ([]DailyReport, error) {
	branches, err := s.source.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	var out []DailyReport
	for _, branch := range branches {
		if !branch.IsActive {
			continue
		}
		day := s.now().In(branch.Location(s.source.Location())).Format(dateLayout)
		summary, err := s.source.GetStats(ctx, branch.BranchID, day, day, "")
		if err != nil {
			log.Printf("daily report branch=%s date=%s error=%v", branch.BranchID, day, err)
			continue
		}
		report := DailyReport{BranchID: branch.BranchID, Date: day, Summary: summary}
		if threshold := s.threshold.Seconds(); threshold > 0 && summary.AvgWaitSeconds > threshold {
			report.Anomaly = &Anomaly{
				BranchID:  branch.BranchID,
				Type:      "wait_time",
				Value:     summary.AvgWaitSeconds,
				Threshold: threshold,
			}
			log.Printf("anomaly type=wait_time branch=%s date=%s value=%.1f threshold=%.0f", branch.BranchID, day, summary.AvgWaitSeconds, threshold)
		}
		log.Printf("daily report branch=%s date=%s total=%d completed=%d skipped=%d cancelled=%d completion_rate=%.2f avg_wait=%.1f avg_service=%.1f",
			branch.BranchID, day, summary.Total,
			summary.Counts[models.StatusCompleted], summary.Counts[models.StatusSkipped], summary.Counts[models.StatusCancelled],
			summary.CompletionRate, summary.AvgWaitSeconds, summary.AvgServiceSeconds)
		out = append(out, report)
	}
	return out, nil
}
