// Package compaction implements the snapshot-then-delete-whole-segments
// reclamation pass (C7): on a manual trigger or an automatic threshold,
// it snapshots dirty instances, computes a safe WAL offset, and deletes
// every segment entirely below it.
package compaction

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"fsmdb/internal/archive"
	"fsmdb/internal/common"
	"fsmdb/internal/fsm"
	"fsmdb/internal/wal"
)

// Config controls the auto-trigger thresholds. Any zero field disables
// that trigger; TriggerManual calls are always honored.
type Config struct {
	Enabled         bool
	EventsThreshold uint64        // appends since last run
	SizeThresholdMB int64         // total WAL bytes since last run
	MinIntervalSecs int           // floor between auto-triggered runs
}

// RunReport summarizes one compaction pass, and is also what COMPACT
// returns to the caller.
type RunReport struct {
	RunID           string `json:"run_id"`
	SnapshotsCreated int   `json:"snapshots_created"`
	SegmentsDeleted int    `json:"segments_deleted"`
	BytesReclaimed  int64  `json:"bytes_reclaimed"`
	SafeOffset      uint64 `json:"safe_offset"`
}

// Compactor owns the single compaction worker. Only one run is ever in
// flight. Triggers are not coalesced: each TriggerManual call waits for
// the worker and gets a run of its own, and an auto-trigger that fires
// while the worker is busy is dropped.
type Compactor struct {
	engine   *fsm.Engine
	cfg      Config
	archiver archive.Archiver

	mu          sync.Mutex
	running     bool
	pending     bool
	lastRun     time.Time
	eventsAtRun uint64
	bytesAtRun  int64

	trigger chan triggerRequest
	stopCh  chan struct{}
	wg      sync.WaitGroup

	runCounter uint64
}

// triggerRequest is sent to the worker goroutine to start a run. force
// bypasses the dirty check so every live instance is re-snapshotted
// regardless of whether it changed since its last snapshot.
type triggerRequest struct {
	reply chan RunReport
	force bool
}

// New builds a Compactor. archiver may be archive.NopArchiver{} when
// cold archival is disabled.
func New(engine *fsm.Engine, cfg Config, archiver archive.Archiver) *Compactor {
	if archiver == nil {
		archiver = archive.NopArchiver{}
	}
	return &Compactor{
		engine:   engine,
		cfg:      cfg,
		archiver: archiver,
		trigger:  make(chan triggerRequest),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the ticker-driven auto-trigger scheduler and the
// single compaction worker goroutine.
func (c *Compactor) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.worker(ctx)
	go c.scheduler(ctx)
}

// Stop signals both goroutines to exit and waits for them.
func (c *Compactor) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// TriggerManual requests an immediate run and blocks until it
// completes. The single worker goroutine guarantees only one run is
// ever in flight. force bypasses the dirty check, re-snapshotting
// every live instance regardless of whether it changed since its last
// snapshot.
func (c *Compactor) TriggerManual(force bool) (RunReport, error) {
	reply := make(chan RunReport, 1)
	select {
	case c.trigger <- triggerRequest{reply: reply, force: force}:
	case <-c.stopCh:
		return RunReport{}, fmt.Errorf("compaction: compactor stopped")
	}
	select {
	case report := <-reply:
		return report, nil
	case <-c.stopCh:
		return RunReport{}, fmt.Errorf("compaction: compactor stopped")
	}
}

func (c *Compactor) scheduler(ctx context.Context) {
	defer c.wg.Done()
	if !c.cfg.Enabled {
		return
	}
	interval := 30 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.shouldAutoRun() {
				select {
				case c.trigger <- triggerRequest{}:
				default:
				}
			}
		}
	}
}

func (c *Compactor) shouldAutoRun() bool {
	stats := c.engine.WALManager().Stats()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.MinIntervalSecs > 0 && time.Since(c.lastRun) < time.Duration(c.cfg.MinIntervalSecs)*time.Second {
		return false
	}
	if c.cfg.EventsThreshold > 0 && stats.EntryCount-c.eventsAtRun >= c.cfg.EventsThreshold {
		return true
	}
	if c.cfg.SizeThresholdMB > 0 && stats.TotalSizeBytes-c.bytesAtRun >= c.cfg.SizeThresholdMB*1024*1024 {
		return true
	}
	return false
}

func (c *Compactor) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case req := <-c.trigger:
			report, err := c.runOnce(req.force)
			if err != nil {
				log.Printf("[compaction] run failed: %v", err)
			}
			if req.reply != nil {
				req.reply <- report
			}
		}
	}
}

// runOnce performs the actual compaction pass: snapshot every dirty
// instance (or, when force is set, every live instance regardless of
// dirtiness), compute the safe offset as the minimum snapshot offset
// across all live instances, then delete whole segments entirely below
// it.
func (c *Compactor) runOnce(force bool) (RunReport, error) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	runID := fmt.Sprintf("run-%d", atomic.AddUint64(&c.runCounter, 1))
	snapshotsCreated := 0
	for _, inst := range c.engine.Instances().List("") {
		if force || isDirty(c.engine, inst) {
			if _, err := c.engine.Snapshot(inst.ID); err != nil {
				return RunReport{}, fmt.Errorf("compaction: snapshot %s: %w", inst.ID, err)
			}
			snapshotsCreated++
		}
	}

	safeOffset, ok := c.engine.Snapshots().MinWALOffset()
	if !ok {
		safeOffset = 0
	}

	for _, path := range c.engine.WALManager().SegmentPathsBelow(common.GlobalOffset(safeOffset)) {
		if err := c.archiver.Archive(context.Background(), path); err != nil {
			return RunReport{}, fmt.Errorf("compaction: archive %s: %w", path, err)
		}
	}

	deleted, reclaimed, err := c.engine.WALManager().DeleteSegmentsBelow(common.GlobalOffset(safeOffset))
	if err != nil {
		return RunReport{}, fmt.Errorf("compaction: delete segments: %w", err)
	}

	if _, err := c.engine.WALManager().Append(wal.EntryCheckpoint, wal.CheckpointPayload{
		RunID: runID, SnapshotsCreated: snapshotsCreated, SegmentsDeleted: deleted, SafeOffset: safeOffset,
	}); err != nil {
		return RunReport{}, fmt.Errorf("compaction: append checkpoint: %w", err)
	}

	stats := c.engine.WALManager().Stats()
	c.mu.Lock()
	c.lastRun = time.Now()
	c.eventsAtRun = stats.EntryCount
	c.bytesAtRun = stats.TotalSizeBytes
	c.mu.Unlock()

	log.Printf("[compaction] %s: %d snapshots, %d segments deleted, %s reclaimed, safe_offset=%d",
		runID, snapshotsCreated, deleted, common.FormatBytes(reclaimed), safeOffset)

	return RunReport{
		RunID: runID, SnapshotsCreated: snapshotsCreated, SegmentsDeleted: deleted,
		BytesReclaimed: reclaimed, SafeOffset: safeOffset,
	}, nil
}

// isDirty reports whether inst has changed since its last snapshot (or
// has never been snapshotted at all).
func isDirty(engine *fsm.Engine, inst fsm.Instance) bool {
	entry, ok := engine.Snapshots().LatestFor(inst.ID)
	if !ok {
		return true
	}
	return entry.WALOffset < inst.WALOffset
}
