package http

import "github.com/fyrsmithlabs/tabledoc/internal/scheduler"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// JobsResponse is the response body for GET /api/v1/jobs.
type JobsResponse struct {
	Jobs   []scheduler.Status      `json:"jobs"`
	Counts map[scheduler.State]int `json:"counts"`
	Total  int                     `json:"total"`
}
