// Package stats derives read-side summaries from historical tickets. Every
// function here is pure: same tickets and location, same answer.
package stats

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"qms/queue-engine/internal/models"
)

const dateLayout = "2006-01-02"

var ErrInvalidWindow = errors.New("invalid date window")

type Summary struct {
	Total             int                   `json:"total"`
	Counts            map[models.Status]int `json:"counts"`
	CompletionRate    float64               `json:"completion_rate"`
	AvgWaitSeconds    float64               `json:"avg_wait_seconds"`
	AvgServiceSeconds float64               `json:"avg_service_seconds"`
	Daily             []DailyBucket         `json:"daily"`
	BestDay           *DailyBucket          `json:"best_day,omitempty"`
	DailyAverage      float64               `json:"daily_average"`
}

type DailyBucket struct {
	Date              string  `json:"date"`
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	Cancelled         int     `json:"cancelled"`
	Skipped           int     `json:"skipped"`
	AvgWaitSeconds    float64 `json:"avg_wait_seconds"`
	AvgServiceSeconds float64 `json:"avg_service_seconds"`
}

// Window turns inclusive calendar dates in loc into a half-open
// [from, to) instant range.
func Window(start, end string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	from, err := time.ParseInLocation(dateLayout, start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %q", ErrInvalidWindow, start)
	}
	last, err := time.ParseInLocation(dateLayout, end, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end %q", ErrInvalidWindow, end)
	}
	if last.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end before start", ErrInvalidWindow)
	}
	return from, last.AddDate(0, 0, 1), nil
}

// CompletionRate is completed over all terminal tickets, 0 when none ended.
func CompletionRate(completed, cancelled, skipped int) float64 {
	terminal := completed + cancelled + skipped
	if terminal == 0 {
		return 0
	}
	return float64(completed) / float64(terminal)
}

// Summarize aggregates tickets into counts, rates, averages and daily
// buckets keyed by created_at in loc.
func Summarize(tickets []models.Ticket, loc *time.Location) Summary {
	if loc == nil {
		loc = time.UTC
	}
	summary := Summary{Counts: make(map[models.Status]int)}
	for _, status := range []models.Status{models.StatusWaiting, models.StatusServing, models.StatusCompleted, models.StatusCancelled, models.StatusSkipped} {
		summary.Counts[status] = 0
	}

	var wait, service mean
	days := make(map[string]*dayAcc)
	for _, ticket := range tickets {
		summary.Total++
		summary.Counts[ticket.Status]++

		date := ticket.CreatedAt.In(loc).Format(dateLayout)
		day, ok := days[date]
		if !ok {
			day = &dayAcc{bucket: DailyBucket{Date: date}}
			days[date] = day
		}
		day.add(ticket)

		if w, ok := waitSeconds(ticket); ok {
			wait.add(w)
		}
		if s, ok := serviceSeconds(ticket); ok {
			service.add(s)
		}
	}

	summary.CompletionRate = CompletionRate(summary.Counts[models.StatusCompleted], summary.Counts[models.StatusCancelled], summary.Counts[models.StatusSkipped])
	summary.AvgWaitSeconds = wait.value()
	summary.AvgServiceSeconds = service.value()

	summary.Daily = make([]DailyBucket, 0, len(days))
	for _, day := range days {
		summary.Daily = append(summary.Daily, day.finish())
	}
	sort.Slice(summary.Daily, func(i, j int) bool { return summary.Daily[i].Date < summary.Daily[j].Date })
	summary.BestDay = BestDay(summary.Daily)
	if len(summary.Daily) > 0 {
		summary.DailyAverage = float64(summary.Counts[models.StatusCompleted]) / float64(len(summary.Daily))
	}
	return summary
}

// BestDay is the bucket with the most completed tickets, the earliest date
// winning ties. Nil for no buckets.
func BestDay(daily []DailyBucket) *DailyBucket {
	var best *DailyBucket
	for i := range daily {
		bucket := daily[i]
		if best == nil || bucket.Completed > best.Completed || (bucket.Completed == best.Completed && bucket.Date < best.Date) {
			best = &bucket
		}
	}
	return best
}

// ServedBy keeps the tickets a given staff member served.
func ServedBy(tickets []models.Ticket, staffID string) []models.Ticket {
	var out []models.Ticket
	for _, ticket := range tickets {
		if ticket.ServedBy != nil && *ticket.ServedBy == staffID {
			out = append(out, ticket)
		}
	}
	return out
}

type dayAcc struct {
	bucket  DailyBucket
	wait    mean
	service mean
}

func (d *dayAcc) add(ticket models.Ticket) {
	d.bucket.Total++
	switch ticket.Status {
	case models.StatusCompleted:
		d.bucket.Completed++
	case models.StatusCancelled:
		d.bucket.Cancelled++
	case models.StatusSkipped:
		d.bucket.Skipped++
	}
	if w, ok := waitSeconds(ticket); ok {
		d.wait.add(w)
	}
	if s, ok := serviceSeconds(ticket); ok {
		d.service.add(s)
	}
}

func (d *dayAcc) finish() DailyBucket {
	d.bucket.AvgWaitSeconds = d.wait.value()
	d.bucket.AvgServiceSeconds = d.service.value()
	return d.bucket
}

// waitSeconds needs the call; tickets never called are left out.
func waitSeconds(ticket models.Ticket) (int64, bool) {
	if ticket.CalledAt == nil {
		return 0, false
	}
	return ticket.WaitTime(*ticket.CalledAt), true
}

// serviceSeconds needs both the call and the end.
func serviceSeconds(ticket models.Ticket) (int64, bool) {
	if ticket.CalledAt == nil || ticket.EndedAt == nil {
		return 0, false
	}
	return ticket.ServiceTime(*ticket.EndedAt), true
}

type mean struct {
	sum   int64
	count int
}

func (m *mean) add(v int64) {
	m.sum += v
	m.count++
}

func (m mean) value() float64 {
	if m.count == 0 {
		return 0
	}
	return float64(m.sum) / float64(m.count)
}
