package stats

import (
	"sort"
	"time"

	"qms/queue-engine/internal/models"
)

type HourlyBucket struct {
	Weekday        time.Weekday `json:"day_of_week"`
	Hour           int          `json:"hour"`
	TicketCount    int          `json:"ticket_count"`
	AvgWaitSeconds float64      `json:"avg_wait_seconds"`
}

type StaffDay struct {
	StaffID           string  `json:"staff_id"`
	Date              string  `json:"date"`
	TicketsServed     int     `json:"tickets_served"`
	Completed         int     `json:"completed"`
	AvgServiceSeconds float64 `json:"avg_service_seconds"`
}

type WeekBucket struct {
	WeekStart      string  `json:"week_start"`
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`
	PeakDay        string  `json:"peak_day"`
}

// HourlyTraffic buckets tickets by weekday and hour of issuance in loc.
func HourlyTraffic(tickets []models.Ticket, loc *time.Location) []HourlyBucket {
	if loc == nil {
		loc = time.UTC
	}
	type key struct {
		day  time.Weekday
		hour int
	}
	counts := make(map[key]int)
	waits := make(map[key]*mean)
	for _, ticket := range tickets {
		local := ticket.CreatedAt.In(loc)
		k := key{day: local.Weekday(), hour: local.Hour()}
		counts[k]++
		if waits[k] == nil {
			waits[k] = &mean{}
		}
		if w, ok := waitSeconds(ticket); ok {
			waits[k].add(w)
		}
	}
	out := make([]HourlyBucket, 0, len(counts))
	for k, count := range counts {
		out = append(out, HourlyBucket{Weekday: k.day, Hour: k.hour, TicketCount: count, AvgWaitSeconds: waits[k].value()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weekday != out[j].Weekday {
			return out[i].Weekday < out[j].Weekday
		}
		return out[i].Hour < out[j].Hour
	})
	return out
}

// StaffPerformance groups served tickets by staff and local date. Tickets
// that were never served are ignored.
func StaffPerformance(tickets []models.Ticket, loc *time.Location) []StaffDay {
	if loc == nil {
		loc = time.UTC
	}
	type key struct{ staff, date string }
	days := make(map[key]*StaffDay)
	services := make(map[key]*mean)
	for _, ticket := range tickets {
		if ticket.ServedBy == nil || *ticket.ServedBy == "" {
			continue
		}
		k := key{staff: *ticket.ServedBy, date: ticket.CreatedAt.In(loc).Format(dateLayout)}
		day, ok := days[k]
		if !ok {
			day = &StaffDay{StaffID: k.staff, Date: k.date}
			days[k] = day
			services[k] = &mean{}
		}
		day.TicketsServed++
		if ticket.Status == models.StatusCompleted {
			day.Completed++
		}
		if s, ok := serviceSeconds(ticket); ok {
			services[k].add(s)
		}
	}
	out := make([]StaffDay, 0, len(days))
	for k, day := range days {
		day.AvgServiceSeconds = services[k].value()
		out = append(out, *day)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StaffID != out[j].StaffID {
			return out[i].StaffID < out[j].StaffID
		}
		return out[i].Date < out[j].Date
	})
	return out
}

// WeeklySummary folds daily buckets into weeks starting on Sunday. The
// weekly wait average is weighted by each day's ticket count.
func WeeklySummary(daily []DailyBucket) []WeekBucket {
	type acc struct {
		bucket    WeekBucket
		waitSum   float64
		waitCount int
		peakTotal int
	}
	weeks := make(map[string]*acc)
	for _, day := range daily {
		date, err := time.Parse(dateLayout, day.Date)
		if err != nil {
			continue
		}
		start := date.AddDate(0, 0, -int(date.Weekday())).Format(dateLayout)
		w, ok := weeks[start]
		if !ok {
			w = &acc{bucket: WeekBucket{WeekStart: start}}
			weeks[start] = w
		}
		w.bucket.Total += day.Total
		w.bucket.Completed += day.Completed
		if day.AvgWaitSeconds > 0 {
			w.waitSum += day.AvgWaitSeconds * float64(day.Total)
			w.waitCount += day.Total
		}
		if w.bucket.PeakDay == "" || day.Total > w.peakTotal || (day.Total == w.peakTotal && day.Date < w.bucket.PeakDay) {
			w.bucket.PeakDay = day.Date
			w.peakTotal = day.Total
		}
	}
	out := make([]WeekBucket, 0, len(weeks))
	for _, w := range weeks {
		if w.waitCount > 0 {
			w.bucket.AvgWaitSeconds = w.waitSum / float64(w.waitCount)
		}
		out = append(out, w.bucket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart < out[j].WeekStart })
	return out
}
