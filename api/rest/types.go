package rest

import (
	"yqhp/sysarray/internal/mediator"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Node      string `json:"node,omitempty"`
	Systems   int    `json:"systems"`
	Timestamp string `json:"timestamp"`
}

// SystemResponse describes one connected system.
type SystemResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Transport        string   `json:"transport,omitempty"`
	Address          string   `json:"address,omitempty"`
	Capability       string   `json:"capability"`
	Connected        bool     `json:"connected"`
	Roles            []string `json:"roles"`
	PerformanceIndex float64  `json:"performance_index"`
	Samples          int64    `json:"samples"`
	MeanMicros       float64  `json:"mean_us_per_unit"`
	P50Micros        int64    `json:"p50_us_per_unit"`
	P99Micros        int64    `json:"p99_us_per_unit"`
}

// SystemListResponse represents a list of systems.
type SystemListResponse struct {
	Systems []SystemResponse `json:"systems"`
	Total   int              `json:"total"`
}

// RoleResponse lists the systems of one role.
type RoleResponse struct {
	Name    string   `json:"name"`
	Systems []string `json:"systems"`
}

// RoleListResponse represents the role table.
type RoleListResponse struct {
	Roles []RoleResponse `json:"roles"`
	Known []string       `json:"known"`
}

// StatsResponse holds the round counters of the array.
type StatsResponse struct {
	Rounds   uint64 `json:"rounds"`
	InFlight int    `json:"in_flight"`
	Pending  int    `json:"pending"`
}

// PendingListResponse lists the unreported mediator requests.
type PendingListResponse struct {
	Pending []mediator.PendingInvocation `json:"pending"`
	Total   int                          `json:"total"`
}
