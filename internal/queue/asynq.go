// Package queue runs import jobs in the background on top of asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"zpulse/internal/domain"
	"zpulse/internal/service"
)

// TaskImportRun is the task type of a queued import run.
const TaskImportRun = "import:run"

// Options configure the queue connection and worker pool.
type Options struct {
	RedisURL    string
	Queue       string
	Concurrency int
	MaxRetry    int
	Timeout     time.Duration
}

func (o Options) queue() string {
	if o.Queue == "" {
		return "imports"
	}
	return o.Queue
}

type importPayload struct {
	ImportID string `json:"import_id"`
}

// NewImportTask builds the task that runs importID.
func NewImportTask(importID string) (*asynq.Task, error) {
	if importID == "" {
		return nil, errors.New("asynq: import id is required")
	}
	payload, err := json.Marshal(importPayload{ImportID: importID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskImportRun, payload), nil
}

// ===================== Client =====================

// Client enqueues import runs.
type Client struct {
	client *asynq.Client
	opts   Options
}

var _ service.ImportScheduler = (*Client)(nil)

func NewClient(opts Options) (*Client, error) {
	if opts.RedisURL == "" {
		return nil, errors.New("asynq: redis url is not set")
	}
	ro, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return &Client{client: asynq.NewClient(ro), opts: opts}, nil
}

// EnqueueImport queues a run of importID. Runs resume from the job's
// checkpoint, so retries are safe.
func (c *Client) EnqueueImport(ctx context.Context, importID string) error {
	task, err := NewImportTask(importID)
	if err != nil {
		return err
	}
	options := []asynq.Option{
		asynq.Queue(c.opts.queue()),
		asynq.TaskID(importID),
	}
	if c.opts.MaxRetry > 0 {
		options = append(options, asynq.MaxRetry(c.opts.MaxRetry))
	}
	if c.opts.Timeout > 0 {
		options = append(options, asynq.Timeout(c.opts.Timeout))
	}
	if _, err := c.client.EnqueueContext(ctx, task, options...); err != nil {
		return fmt.Errorf("asynq: enqueue %s: %w", importID, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// ===================== Server =====================

// Runner executes one import job.
type Runner interface {
	Run(ctx context.Context, jobID string) (*domain.ImportJob, error)
}

// Worker consumes queued import runs.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

func NewWorker(opts Options, runner Runner, logger *slog.Logger) (*Worker, error) {
	if opts.RedisURL == "" {
		return nil, errors.New("asynq: redis url is not set")
	}
	ro, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	srv := asynq.NewServer(ro, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{opts.queue(): 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("asynq task failed", "type", task.Type(), "error", err)
		}),
	})
	w := &Worker{server: srv, mux: asynq.NewServeMux(), logger: logger}
	w.mux.HandleFunc(TaskImportRun, HandleImport(runner, logger))
	return w, nil
}

// HandleImport adapts runner to an asynq handler.
func HandleImport(runner Runner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p importPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil || p.ImportID == "" {
			return fmt.Errorf("decode import task: %v: %w", err, asynq.SkipRetry)
		}
		job, err := runner.Run(ctx, p.ImportID)
		if err != nil {
			return fmt.Errorf("run import %s: %w", p.ImportID, err)
		}
		logger.Info("queued import finished", "import_id", job.ID, "status", job.Status)
		return nil
	}
}

// Run starts the worker and blocks until ctx is canceled, then shuts down gracefully.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}
