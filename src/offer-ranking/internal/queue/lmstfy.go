// Package queue moves due recomputes through an lmstfy queue so fan-out
// survives restarts and is shared across instances.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bitleak/lmstfy/client"
	"go.uber.org/atomic"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/service"
)

const (
	jobTTL     = 24 * 60 * 60
	jobTries   = 3
	consumeTTR = 30
	pollWait   = 3
)

// Client is the part of *client.LmstfyClient the queue uses.
type Client interface {
	Publish(queue string, data []byte, ttlSecond uint32, tries uint16, delaySecond uint32) (string, error)
	Consume(queue string, ttrSecond, timeoutSecond uint32) (*client.Job, error)
	Ack(queue, jobID string) error
}

func NewClient(host string, port int, namespace, token string) *client.LmstfyClient {
	return client.NewLmstfyClient(host, port, namespace, token)
}

type job struct {
	CatalogItemID string    `json:"catalog_item_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Dispatcher enqueues one recompute job per due item.
type Dispatcher struct {
	client Client
	queue  string
}

func NewDispatcher(c Client, queue string) *Dispatcher {
	return &Dispatcher{client: c, queue: queue}
}

func (d *Dispatcher) Dispatch(ctx context.Context, itemID string) error {
	data, err := json.Marshal(job{CatalogItemID: itemID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	id, err := d.client.Publish(d.queue, data, jobTTL, jobTries, 0)
	if err != nil {
		return fmt.Errorf("lmstfy publish: %w", err)
	}
	slog.DebugContext(ctx, "recompute_job_enqueued", "catalog_item_id", itemID, "job_id", id)
	return nil
}

type Recomputer interface {
	Recompute(ctx context.Context, itemID string) (model.WinnerRecord, bool, error)
}

// Consumer pulls recompute jobs and runs them. A job is acked once it is
// done or can never succeed; other failures are left for lmstfy to
// redeliver after the TTR.
type Consumer struct {
	client     Client
	queue      string
	recompute  Recomputer
	threads    int
	errBackoff time.Duration
	closing    *atomic.Bool
	wg         sync.WaitGroup
}

func NewConsumer(c Client, queue string, r Recomputer, threads int) *Consumer {
	if threads < 1 {
		threads = 1
	}
	return &Consumer{
		client:     c,
		queue:      queue,
		recompute:  r,
		threads:    threads,
		errBackoff: time.Second,
		closing:    atomic.NewBool(false),
	}
}

// Run consumes until ctx is cancelled and in-progress jobs have finished.
func (c *Consumer) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "recompute_consumer_started", "queue", c.queue, "threads", c.threads)
	workCtx := context.WithoutCancel(ctx)
	for i := range c.threads {
		c.wg.Add(1)
		go c.loop(ctx, workCtx, i)
	}
	<-ctx.Done()
	c.closing.Store(true)
	c.wg.Wait()
	slog.Info("recompute_consumer_stopped", "queue", c.queue)
	return nil
}

func (c *Consumer) loop(ctx, workCtx context.Context, thread int) {
	defer c.wg.Done()
	for !c.closing.Load() && ctx.Err() == nil {
		j, err := c.client.Consume(c.queue, consumeTTR, pollWait)
		if err != nil {
			slog.WarnContext(ctx, "recompute_consume_failed", "thread", thread, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.errBackoff):
			}
			continue
		}
		if j == nil {
			continue
		}
		c.handle(workCtx, j)
	}
}

func (c *Consumer) handle(ctx context.Context, j *client.Job) {
	var payload job
	if err := json.Unmarshal(j.Data, &payload); err != nil || payload.CatalogItemID == "" {
		slog.ErrorContext(ctx, "recompute_job_malformed", "job_id", j.ID, "error", err)
		c.ack(ctx, j.ID)
		return
	}

	_, _, err := c.recompute.Recompute(ctx, payload.CatalogItemID)
	if err != nil && !errors.Is(err, service.ErrCatalogItemNotFound) {
		// no ack: redelivered after the TTR while tries remain
		return
	}
	c.ack(ctx, j.ID)
}

func (c *Consumer) ack(ctx context.Context, jobID string) {
	if err := c.client.Ack(c.queue, jobID); err != nil {
		slog.WarnContext(ctx, "recompute_job_ack_failed", "job_id", jobID, "error", err)
	}
}
