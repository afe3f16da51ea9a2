package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/harun/shiftdesk/internal/observability"
	"github.com/harun/shiftdesk/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for tasks submitted to, or still queued in, a closed queue.
var ErrClosed = errors.New("command queue closed")

// Task represents an operation executed inside a lane
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning (and calls OnWait) if the task is still queued
	// after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	queue    []*taskRecord
	running  *taskRecord
	draining bool
}

// CommandQueue runs tasks one at a time per lane, in FIFO order. Different
// lanes run concurrently. A lane exists only while it has work.
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq uint64
	closed    bool
	wg        sync.WaitGroup
}

// New creates an empty CommandQueue
func New() *CommandQueue {
	observability.EnsureRegistered()
	return &CommandQueue{lanes: make(map[string]*laneState)}
}

// UserLane is the lane name that serializes work for one user.
func UserLane(userID string) string {
	return "user:" + userID
}

// Enqueue submits task to lane and blocks until it finishes or ctx is done.
// A task whose caller gave up while it was still queued never runs. A task
// that already started keeps the lane until it returns, even if its caller
// stopped waiting.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	queued := len(ls.queue)
	startDrain := !ls.draining
	if startDrain {
		ls.draining = true
		cq.wg.Add(1)
	}
	cq.updateGaugesLocked()
	cq.mu.Unlock()

	logger.Debug().
		Str("task_id", record.id).
		Int("queued", queued).
		Msg("Task enqueued")

	if startDrain {
		go cq.drain(lane, ls)
	}

	if opts.WarnAfter > 0 {
		go cq.warnIfWaiting(lane, record)
	}

	select {
	case res := <-record.result:
		tracing.FailSpan(span, res.err)
		return res.value, res.err
	case <-ctx.Done():
		if cq.remove(lane, record) {
			logger.Debug().Str("task_id", record.id).Msg("Task abandoned before start")
		} else {
			logger.Warn().Str("task_id", record.id).Msg("Caller stopped waiting for running task")
		}
		tracing.FailSpan(span, ctx.Err())
		return nil, ctx.Err()
	}
}

// drain executes the lane's tasks until it is empty, then removes the lane.
func (cq *CommandQueue) drain(lane string, ls *laneState) {
	defer cq.wg.Done()

	for {
		cq.mu.Lock()
		if len(ls.queue) == 0 {
			ls.running = nil
			ls.draining = false
			delete(cq.lanes, lane)
			cq.updateGaugesLocked()
			cq.mu.Unlock()
			return
		}
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running = record
		cq.updateGaugesLocked()
		cq.mu.Unlock()

		value, err := cq.execute(lane, record)
		record.result <- taskResult{value: value, err: err}
	}
}

func (cq *CommandQueue) execute(lane string, record *taskRecord) (value interface{}, err error) {
	logger := tracing.LoggerFromContext(record.ctx, log.Logger).With().
		Str("lane", lane).
		Str("task_id", record.id).
		Logger()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Task panicked")
			value, err = nil, fmt.Errorf("task panicked: %v", r)
		}

		duration := time.Since(start)
		observability.RecordQueueTask(duration)
		if err != nil {
			logger.Debug().Err(err).Dur("duration", duration).Msg("Task failed")
		} else {
			logger.Debug().Dur("duration", duration).Msg("Task completed")
		}
	}()

	if wait := start.Sub(record.enqueuedAt); wait > 100*time.Millisecond {
		logger.Debug().Dur("wait", wait).Msg("Task started after waiting")
	}

	return record.task(record.ctx)
}

// remove drops a still-queued record. It reports false if the record already
// started.
func (cq *CommandQueue) remove(lane string, record *taskRecord) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			cq.updateGaugesLocked()
			return true
		}
	}
	return false
}

func (cq *CommandQueue) warnIfWaiting(lane string, record *taskRecord) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-record.ctx.Done():
		return
	}

	cq.mu.Lock()
	pos := -1
	if ls, ok := cq.lanes[lane]; ok {
		for i, r := range ls.queue {
			if r == record {
				pos = i
				break
			}
		}
	}
	cq.mu.Unlock()

	if pos < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	log.Warn().
		Str("lane", lane).
		Str("task_id", record.id).
		Dur("wait", wait).
		Int("queue_pos", pos).
		Msg("Task waiting longer than expected")

	if record.options.OnWait != nil {
		record.options.OnWait(wait, pos)
	}
}

func (cq *CommandQueue) updateGaugesLocked() {
	waiting := map[string]int{}
	active := 0
	for lane, ls := range cq.lanes {
		waiting[laneKind(lane)] += len(ls.queue)
		if ls.running != nil {
			active++
		}
	}
	for kind, n := range waiting {
		observability.SetQueueWaiting(kind, n)
	}
	if len(waiting) == 0 {
		observability.SetQueueWaiting("user", 0)
	}
	observability.SetActiveLanes(active)
}

// laneKind keeps metric cardinality bounded: "user:U123" reports as "user".
func laneKind(lane string) string {
	if i := strings.IndexByte(lane, ':'); i > 0 {
		return lane[:i]
	}
	return lane
}

// GetQueueSize returns the number of waiting (not running) tasks in lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// IsBusy reports whether lane has a running task
func (cq *CommandQueue) IsBusy(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	return ok && ls.running != nil
}

// GetStats returns queued and running counts for every live lane
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		running := 0
		if ls.running != nil {
			running = 1
		}
		stats[lane] = map[string]int{
			"queued":  len(ls.queue),
			"running": running,
		}
	}
	return stats
}

// WaitForActive waits until no lane has work, up to timeout.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		cq.mu.Lock()
		drained := len(cq.lanes) == 0
		cq.mu.Unlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new and queued tasks and waits for running tasks to finish.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true

	rejected := 0
	for _, ls := range cq.lanes {
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
			rejected++
		}
		ls.queue = nil
	}
	cq.updateGaugesLocked()
	cq.mu.Unlock()

	if rejected > 0 {
		log.Info().Int("rejected", rejected).Msg("Queued tasks rejected on close")
	}

	cq.wg.Wait()
	return nil
}
