package api

import "time"

type ErrorResponse struct {
	Error string `json:"error"`
}

type WorkerResponse struct {
	PID          int       `json:"pid"`
	Age          int       `json:"age"`
	Phase        string    `json:"phase"`
	StartedAt    time.Time `json:"started_at"`
	UptimeSec    float64   `json:"uptime_sec"`
	Requests     int64     `json:"requests"`
	InFlight     int64     `json:"in_flight"`
	RequestLimit int       `json:"request_limit,omitempty"`
	HeartbeatSec float64   `json:"heartbeat_age_sec"`
	RetireReason string    `json:"retire_reason,omitempty"`
}

type ListResponse struct {
	Target  int              `json:"target"`
	Workers []WorkerResponse `json:"workers"`
}

type ScaleRequest struct {
	Delta int `json:"delta"`
}

type ScaleResponse struct {
	Target int `json:"target"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}
