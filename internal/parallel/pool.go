// Package parallel provides the bounded worker pool the RETE engine
// dispatches onto for fact-batch ingestion. Parallel aggregation
// reduction does not use it; it fans out through errgroup. The pool scales its worker count with queue depth between
// a floor and a ceiling, recovers from panicking fact tasks, and
// reports ingestion statistics and stall warnings through the engine's
// structured logger.
package parallel

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolShutdown is returned when a fact batch is submitted to a pool
// that has already been shut down.
var ErrPoolShutdown = errors.New("ingestion worker pool has been shut down")

// IngestStats is a point-in-time snapshot of the pool's ingestion
// counters, surfaced alongside the engine's network and cache
// statistics.
type IngestStats struct {
	FactsSubmitted  int64
	FactsProcessed  int64
	FactsPanicked   int64
	FactsCancelled  int64
	PeakQueueDepth  int64
	PeakWorkerCount int64
	ScaleUps        int64
	ScaleDowns      int64
	StallWarnings   int64
	WorkerCount     int
	QueueDepth      int
}

// Config tunes the pool's scaling and stall detection. Zero values take
// the documented defaults.
type Config struct {
	// ScaleUpDepth is the queue depth that adds a worker; ScaleDownDepth
	// is the depth below which an idle worker is retired.
	ScaleUpDepth   int
	ScaleDownDepth int
	// CheckInterval is how often the monitor inspects queue depth and
	// last-activity age; Cooldown is the minimum gap between two scaling
	// adjustments.
	CheckInterval time.Duration
	Cooldown      time.Duration
	// StallAfter is how long the pool may sit with queued facts and no
	// completed work before a stall warning is logged.
	StallAfter time.Duration
}

func (c Config) withDefaults(maxWorkers int) Config {
	if c.ScaleUpDepth <= 0 {
		c.ScaleUpDepth = maxWorkers * 2
	}
	if c.ScaleDownDepth <= 0 {
		c.ScaleDownDepth = 1
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 100 * time.Millisecond
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 500 * time.Millisecond
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 30 * time.Second
	}
	return c
}

// WorkerPool runs per-fact ingestion tasks across a bounded set of
// goroutines. Alpha evaluation for a large fact batch is chunked onto
// it; the beta/terminal phase stays single-writer, so the tasks it
// carries never contend on network state.
type WorkerPool struct {
	cfg        Config
	logger     *zap.Logger
	maxWorkers int
	minWorkers int

	taskChan     chan func()
	retireChan   chan struct{}
	shutdownChan chan struct{}
	workerWg     sync.WaitGroup
	once         sync.Once

	mu            sync.Mutex
	workers       int
	lastScale     time.Time
	stallReported bool

	submitted    int64
	processed    int64
	panicked     int64
	cancelled    int64
	peakQueue    int64
	peakWorkers  int64
	scaleUps     int64
	scaleDowns   int64
	stalls       int64
	lastActivity int64 // unix nanos of the most recent completion
}

// NewWorkerPool builds a pool that scales between one worker and
// maxWorkers (or NumCPU when maxWorkers is not positive). logger may be
// nil.
func NewWorkerPool(maxWorkers int, logger *zap.Logger) *WorkerPool {
	return NewWorkerPoolWithConfig(maxWorkers, logger, Config{})
}

// NewWorkerPoolWithConfig is NewWorkerPool with explicit scaling/stall
// tuning.
func NewWorkerPoolWithConfig(maxWorkers int, logger *zap.Logger, cfg Config) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	wp := &WorkerPool{
		cfg:          cfg.withDefaults(maxWorkers),
		logger:       logger,
		maxWorkers:   maxWorkers,
		minWorkers:   1,
		taskChan:     make(chan func(), maxWorkers*4),
		retireChan:   make(chan struct{}, maxWorkers),
		shutdownChan: make(chan struct{}),
		workers:      1,
		lastScale:    time.Now(),
		lastActivity: time.Now().UnixNano(),
	}
	atomic.StoreInt64(&wp.peakWorkers, 1)
	wp.workerWg.Add(1)
	go wp.worker()
	go wp.monitor()
	return wp
}

// Submit queues one fact's ingestion task. It blocks while the queue is
// full, returning early if ctx is cancelled or the pool shuts down;
// the engine then runs the task inline so no fact is dropped.
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	select {
	case wp.taskChan <- task:
		atomic.AddInt64(&wp.submitted, 1)
		depth := int64(len(wp.taskChan))
		for {
			peak := atomic.LoadInt64(&wp.peakQueue)
			if depth <= peak || atomic.CompareAndSwapInt64(&wp.peakQueue, peak, depth) {
				break
			}
		}
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&wp.cancelled, 1)
		return ctx.Err()
	case <-wp.shutdownChan:
		atomic.AddInt64(&wp.cancelled, 1)
		return ErrPoolShutdown
	}
}

// Shutdown stops the workers and the monitor, waiting for in-flight
// tasks to finish. Safe to call more than once.
func (wp *WorkerPool) Shutdown() {
	wp.once.Do(func() {
		close(wp.shutdownChan)
		wp.workerWg.Wait()
	})
}

// Stats returns a snapshot of the ingestion counters.
func (wp *WorkerPool) Stats() IngestStats {
	wp.mu.Lock()
	workers := wp.workers
	wp.mu.Unlock()
	return IngestStats{
		FactsSubmitted:  atomic.LoadInt64(&wp.submitted),
		FactsProcessed:  atomic.LoadInt64(&wp.processed),
		FactsPanicked:   atomic.LoadInt64(&wp.panicked),
		FactsCancelled:  atomic.LoadInt64(&wp.cancelled),
		PeakQueueDepth:  atomic.LoadInt64(&wp.peakQueue),
		PeakWorkerCount: atomic.LoadInt64(&wp.peakWorkers),
		ScaleUps:        atomic.LoadInt64(&wp.scaleUps),
		ScaleDowns:      atomic.LoadInt64(&wp.scaleDowns),
		StallWarnings:   atomic.LoadInt64(&wp.stalls),
		WorkerCount:     workers,
		QueueDepth:      len(wp.taskChan),
	}
}

// WorkerCount returns the current number of workers.
func (wp *WorkerPool) WorkerCount() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.workers
}

// QueueDepth returns the number of queued-but-unstarted tasks.
func (wp *WorkerPool) QueueDepth() int { return len(wp.taskChan) }

func (wp *WorkerPool) worker() {
	defer wp.workerWg.Done()
	for {
		select {
		case task := <-wp.taskChan:
			if task == nil {
				continue
			}
			wp.run(task)
		case <-wp.retireChan:
			return
		case <-wp.shutdownChan:
			return
		}
	}
}

// run executes one fact task, converting a panic into a logged counter
// so a single bad fact cannot take down the batch.
func (wp *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&wp.panicked, 1)
			wp.logger.Error("fact ingestion task panicked", zap.Any("panic", r))
		}
		atomic.AddInt64(&wp.processed, 1)
		atomic.StoreInt64(&wp.lastActivity, time.Now().UnixNano())
	}()
	task()
}

// monitor periodically adjusts the worker count to queue depth and
// logs a stall warning when queued facts stop making progress.
func (wp *WorkerPool) monitor() {
	ticker := time.NewTicker(wp.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			wp.adjust()
			wp.checkStall()
		case <-wp.shutdownChan:
			return
		}
	}
}

func (wp *WorkerPool) adjust() {
	depth := len(wp.taskChan)
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if time.Since(wp.lastScale) < wp.cfg.Cooldown {
		return
	}
	switch {
	case depth > wp.cfg.ScaleUpDepth && wp.workers < wp.maxWorkers:
		wp.workers++
		wp.workerWg.Add(1)
		go wp.worker()
		wp.lastScale = time.Now()
		atomic.AddInt64(&wp.scaleUps, 1)
		if peak := atomic.LoadInt64(&wp.peakWorkers); int64(wp.workers) > peak {
			atomic.StoreInt64(&wp.peakWorkers, int64(wp.workers))
		}
		wp.logger.Debug("scaled ingestion workers up",
			zap.Int("workers", wp.workers), zap.Int("queue_depth", depth))
	case depth < wp.cfg.ScaleDownDepth && wp.workers > wp.minWorkers:
		// Retirement is cooperative: the next idle worker to see the
		// token exits, never one mid-task.
		select {
		case wp.retireChan <- struct{}{}:
			wp.workers--
			wp.lastScale = time.Now()
			atomic.AddInt64(&wp.scaleDowns, 1)
			wp.logger.Debug("scaled ingestion workers down",
				zap.Int("workers", wp.workers), zap.Int("queue_depth", depth))
		default:
		}
	}
}

// checkStall logs once per stall episode: facts are queued but nothing
// has completed within StallAfter. The flag resets when progress
// resumes so a later stall is reported again.
func (wp *WorkerPool) checkStall() {
	depth := len(wp.taskChan)
	idle := time.Since(time.Unix(0, atomic.LoadInt64(&wp.lastActivity)))
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if depth == 0 || idle < wp.cfg.StallAfter {
		wp.stallReported = false
		return
	}
	if wp.stallReported {
		return
	}
	wp.stallReported = true
	atomic.AddInt64(&wp.stalls, 1)
	wp.logger.Warn("fact ingestion appears stalled",
		zap.Int("queue_depth", depth),
		zap.Duration("idle", idle),
		zap.Int("workers", wp.workers))
}
