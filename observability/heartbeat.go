package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// BacklogFunc reports the number of pending messages per queue.
type BacklogFunc func(ctx context.Context) (map[string]int, error)

// HeartbeatWriter writes periodic liveness probes to the worker_heartbeats
// table, together with the runtime stats of the process and, when a
// BacklogFunc is set, the depth of each stage queue.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	workerPID  int
	interval   time.Duration
	backlog    BacklogFunc
	stop       chan struct{}
	done       chan struct{}
}

// HeartbeatOption configures a HeartbeatWriter.
type HeartbeatOption func(*HeartbeatWriter)

// WithBacklog records fn's queue depths with every heartbeat.
func WithBacklog(fn BacklogFunc) HeartbeatOption {
	return func(hw *HeartbeatWriter) { hw.backlog = fn }
}

// NewHeartbeatWriter creates a writer. Recommended interval: 15s.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, opts ...HeartbeatOption) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	hw := &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		workerPID:  os.Getpid(),
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(hw)
	}
	return hw
}

// Start writes one heartbeat immediately, then one per interval until Stop
// or ctx is cancelled.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// WriteHeartbeat writes a single heartbeat row. A failing BacklogFunc
// leaves the backlog empty; the liveness row is still written.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var backlog any
	if hw.backlog != nil {
		depths, err := hw.backlog(ctx)
		if err != nil {
			slog.Warn("observability: backlog probe failed", "error", err, "worker", hw.workerName)
		} else if b, err := json.Marshal(depths); err == nil {
			backlog = string(b)
		}
	}

	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, gc_count, backlog
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.workerPID, time.Now().UnixMilli(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, mem.NumGC, backlog)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
			slog.Error("observability: heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
		}
	}
}

// HeartbeatStatus is the latest heartbeat of a worker.
type HeartbeatStatus struct {
	WorkerName      string         `json:"worker_name"`
	Hostname        string         `json:"hostname"`
	PID             int            `json:"pid"`
	Timestamp       time.Time      `json:"timestamp"`
	GoroutinesCount int            `json:"goroutines_count"`
	MemoryAllocMB   float64        `json:"memory_alloc_mb"`
	GCCount         int            `json:"gc_count"`
	Backlog         map[string]int `json:"backlog,omitempty"`
	Alive           bool           `json:"alive"`
	StaleSince      *time.Duration `json:"stale_since,omitempty"`
}

// LatestHeartbeat returns the most recent heartbeat of workerName. A beat
// older than stalenessThreshold (typically three intervals) is not Alive.
// It returns nil, nil when the worker never wrote one.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, stalenessThreshold time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp,
		       goroutines_count, memory_alloc_mb, gc_count, backlog
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName)

	var (
		hs      HeartbeatStatus
		ts      int64
		backlog sql.NullString
	)
	err := row.Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts,
		&hs.GoroutinesCount, &hs.MemoryAllocMB, &hs.GCCount, &backlog)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}
	if backlog.Valid {
		if err := json.Unmarshal([]byte(backlog.String), &hs.Backlog); err != nil {
			return nil, fmt.Errorf("decode heartbeat backlog: %w", err)
		}
	}

	hs.Timestamp = time.UnixMilli(ts)
	if age := time.Since(hs.Timestamp); age <= stalenessThreshold {
		hs.Alive = true
	} else {
		stale := age - stalenessThreshold
		hs.StaleSince = &stale
	}
	return &hs, nil
}
