package cron

import (
	"time"

	"github.com/google/uuid"
)

const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

// Schedule says when a job runs: a six-field cron expression (with
// seconds), a fixed interval or a single instant.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

const (
	PayloadDigest  = "digest"
	PayloadSavings = "savings"
	PayloadMessage = "message"
)

// Payload is what the job produces and where the result goes.
type Payload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	if payload.Kind == "" {
		payload.Kind = PayloadMessage
	}
	return CronJob{
		ID:             uuid.NewString(),
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		DeleteAfterRun: schedule.Kind == KindAt,
		CreatedAtMs:    time.Now().UnixMilli(),
	}
}
