package models

import (
	"time"
	_ "time/tzdata"
)

type Service struct {
	ServiceID      string `json:"service_id"`
	BranchID       string `json:"branch_id"`
	Name           string `json:"name"`
	Prefix         string `json:"prefix"`
	AvgServiceTime int    `json:"avg_service_time"`
	IsActive       bool   `json:"is_active"`
}

type Branch struct {
	BranchID string `json:"branch_id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
	IsActive bool   `json:"is_active"`
}

// Location resolves the branch timezone, falling back when it is unset or unknown.
func (b Branch) Location(fallback *time.Location) *time.Location {
	if fallback == nil {
		fallback = time.UTC
	}
	if b.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

type Counter struct {
	CounterID string     `json:"counter_id"`
	BranchID  string     `json:"branch_id"`
	Name      string     `json:"name"`
	StaffID   *string    `json:"staff_id,omitempty"`
	IsActive  bool       `json:"is_active"`
	IsPaused  bool       `json:"is_paused"`
	LastPing  *time.Time `json:"last_ping,omitempty"`
}

func (c Counter) Staffed() bool {
	return c.StaffID != nil && *c.StaffID != ""
}
