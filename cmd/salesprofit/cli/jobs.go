package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/salesprofit/jobs"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    taskEnqueuer
	inspector queueInspector
	closers   []io.Closer
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	if strings.TrimSpace(redisAddr) == "" {
		return nil, errors.New("jobs cli: redis address is required")
	}
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client := asynq.NewClient(opts)
	inspector := asynq.NewInspector(opts)
	return &JobsCLI{client: client, inspector: inspector, closers: []io.Closer{inspector, client}}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	for _, closer := range c.closers {
		if closeErr := closer.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerOptions selects the task enqueued by the jobs trigger command.
type TriggerOptions struct {
	Job          string
	TenantID     string
	ProductID    string
	OrderIDs     []string
	LookbackDays int
	Stdout       io.Writer
	Stderr       io.Writer
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	taskOpts := []asynq.Option{asynq.Queue(jobs.QueueProfit), asynq.MaxRetry(3)}
	switch opts.Job {
	case jobs.TaskProfitRecalculate, "recalculate":
		task, err = jobs.NewRecalculateTask(jobs.RecalculatePayload{
			TenantID:     opts.TenantID,
			OrderIDs:     opts.OrderIDs,
			LookbackDays: opts.LookbackDays,
			Reason:       "manual",
		})
	case jobs.TaskProductCostChanged, "product-cost":
		task, err = jobs.NewProductCostChangedTask(opts.TenantID, opts.ProductID)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", opts.Job)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, taskOpts...)
}

// TriggerCommand enqueues a job and prints the task id.
func (c *JobsCLI) TriggerCommand(ctx context.Context, opts TriggerOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	info, err := c.Trigger(ctx, opts)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: %v\n", err)
		return ExitFailure
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s on queue %s (id %s)\n", info.Type, info.Queue, info.ID)
	return ExitOK
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueue reports the queue metrics for the profit queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	if err := ctx.Err(); err != nil {
		return QueueStats{}, err
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueProfit)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
	}, nil
}
