// Package queue defines the asynq tasks that carry songs through the
// pipeline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/songforge/internal/pipeline"
)

// Task types
const (
	TaskTypeGenerate = "song:generate"
	TaskTypeResume   = "song:resume"
)

// QueueSongs is the asynq queue every song task goes to
const QueueSongs = "songs"

// TaskEnqueuer is the part of *asynq.Client the enqueuer needs
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer schedules song tasks. It implements pipeline.Resumer.
type Enqueuer struct {
	client    TaskEnqueuer
	maxRetry  int
	retention time.Duration
}

// NewEnqueuer creates an enqueuer with the given retry budget per task
func NewEnqueuer(client TaskEnqueuer, maxRetry int) *Enqueuer {
	return &Enqueuer{
		client:    client,
		maxRetry:  maxRetry,
		retention: 24 * time.Hour,
	}
}

// EnqueueGenerate schedules the first half of a run. Extra options such as
// asynq.ProcessIn are appended to the defaults.
func (e *Enqueuer) EnqueueGenerate(ctx context.Context, job pipeline.Job, opts ...asynq.Option) error {
	return e.enqueue(ctx, TaskTypeGenerate, job, opts...)
}

// EnqueueResume schedules the continuation after a dispatch finished
func (e *Enqueuer) EnqueueResume(ctx context.Context, job pipeline.Job) error {
	return e.enqueue(ctx, TaskTypeResume, job)
}

func (e *Enqueuer) enqueue(ctx context.Context, taskType string, job pipeline.Job, opts ...asynq.Option) error {
	task, err := NewTask(taskType, job)
	if err != nil {
		return err
	}

	all := append([]asynq.Option{
		asynq.Queue(QueueSongs),
		asynq.MaxRetry(e.maxRetry),
		asynq.Retention(e.retention),
	}, opts...)

	if _, err := e.client.EnqueueContext(ctx, task, all...); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return nil
}

// NewTask encodes a job as an asynq task of the given type
func NewTask(taskType string, job pipeline.Job) (*asynq.Task, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(taskType, data), nil
}

// ParseJob decodes a task payload
func ParseJob(t *asynq.Task) (pipeline.Job, error) {
	var job pipeline.Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return job, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if job.SongID == "" || job.UserID == "" {
		return job, fmt.Errorf("task payload missing songId or userId")
	}
	return job, nil
}

var _ pipeline.Resumer = (*Enqueuer)(nil)
