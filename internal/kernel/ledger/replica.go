package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/r3e-network/agent-mesh-kernel/infrastructure/utils"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/atomicio"
	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

// replicaState is the on-disk cursor a ReplicaSync resumes from: how far
// into the writer's journal this replica has pulled, and what it last saw.
type replicaState struct {
	WriterURL         string  `json:"writer_url"`
	SyncOffset        int64   `json:"sync_offset"`
	LastHash          string  `json:"last_hash"`
	LastEventTS       float64 `json:"last_event_ts"`
	LastSyncAt        float64 `json:"last_sync_at"`
	TotalEventsSynced int64   `json:"total_events_synced"`
}

// ReplicaSyncConfig tunes the writer poll.
type ReplicaSyncConfig struct {
	WriterURL  string
	StatePath  string
	Interval   time.Duration
	HTTPClient *http.Client
}

func (c *ReplicaSyncConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
}

// ReplicaSync periodically pulls new journal bytes from a writer node's
// /journal?offset=N endpoint and applies them to a local, readonly Ledger
// snapshot. Follows the dispatcher's ticker+stopCh+SafeGo tick-loop shape
// (internal/kernel/dispatch.Dispatcher), since this is likewise a single
// recurring background task with graceful shutdown.
type ReplicaSync struct {
	ledger *Ledger
	logger *zap.Logger
	cfg    ReplicaSyncConfig

	mu             sync.Mutex
	state          replicaState
	partialBuffer  string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReplicaSync constructs a ReplicaSync, loading any persisted cursor
// from cfg.StatePath.
func NewReplicaSync(l *Ledger, cfg ReplicaSyncConfig, logger *zap.Logger) *ReplicaSync {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	rs := &ReplicaSync{ledger: l, logger: logger, cfg: cfg, stopCh: make(chan struct{})}
	var st replicaState
	if err := atomicio.ReadJSONWithBackup(cfg.StatePath, &st); err == nil {
		rs.state = st
	} else {
		rs.state = replicaState{WriterURL: cfg.WriterURL}
	}
	return rs
}

// Start launches the sync loop in the background.
func (rs *ReplicaSync) Start(ctx context.Context) {
	rs.wg.Add(1)
	utils.SafeGo(func() {
		defer rs.wg.Done()
		rs.run(ctx)
	}, func(err error) {
		rs.logger.Error("replica sync loop panicked", zap.Error(err))
	})
}

// Stop signals the sync loop to exit and waits up to 5s for it to finish.
func (rs *ReplicaSync) Stop() {
	close(rs.stopCh)
	done := make(chan struct{})
	go func() {
		rs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		rs.logger.Warn("replica sync did not stop within grace period")
	}
}

func (rs *ReplicaSync) run(ctx context.Context) {
	ticker := time.NewTicker(rs.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.stopCh:
			return
		case <-ticker.C:
			if err := rs.SyncOnce(ctx); err != nil {
				rs.logger.Warn("replica sync failed", zap.Error(err))
			}
		}
	}
}

// SyncOnce fetches one chunk of journal bytes from the writer starting at
// the current offset, applies each complete line to the ledger, and
// persists the advanced cursor. A trailing partial line is buffered and
// prefixed onto the next chunk.
func (rs *ReplicaSync) SyncOnce(ctx context.Context) error {
	rs.mu.Lock()
	offset := rs.state.SyncOffset
	rs.mu.Unlock()

	url := fmt.Sprintf("%s/journal?offset=%d", strings.TrimRight(rs.cfg.WriterURL, "/"), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := rs.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("writer returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	nextOffset := offset
	if raw := resp.Header.Get("X-Journal-Next-Offset"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nextOffset = v
		}
	}
	lastHash := resp.Header.Get("X-Journal-Last-Hash")
	var lastTS float64
	if raw := resp.Header.Get("X-Journal-Last-TS"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			lastTS = v
		}
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	chunk := body
	if rs.partialBuffer != "" {
		chunk = append([]byte(rs.partialBuffer), chunk...)
		rs.partialBuffer = ""
	}
	if len(chunk) > 0 && chunk[len(chunk)-1] != '\n' {
		if idx := bytes.LastIndexByte(chunk, '\n'); idx >= 0 {
			rs.partialBuffer = string(chunk[idx+1:])
			chunk = chunk[:idx+1]
		} else {
			rs.partialBuffer = string(chunk)
			chunk = nil
		}
	}

	applied := 0
	scanner := bufio.NewScanner(bytes.NewReader(chunk))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev model.LedgerEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			rs.logger.Warn("replica could not decode journal line", zap.Error(err))
			continue
		}
		if err := rs.ledger.ApplyReplicatedEvent(ev); err != nil {
			rs.logger.Warn("replica could not apply event", zap.Error(err))
			continue
		}
		applied++
	}

	rs.state.SyncOffset = nextOffset
	if lastHash != "" {
		rs.state.LastHash = lastHash
	}
	if lastTS != 0 {
		rs.state.LastEventTS = lastTS
	}
	rs.state.LastSyncAt = float64(time.Now().UTC().Unix())
	rs.state.TotalEventsSynced += int64(applied)
	if err := atomicio.AtomicWriteJSON(rs.cfg.StatePath, rs.state); err != nil {
		return err
	}

	if applied > 0 {
		rs.logger.Info("replica synced events", zap.Int("applied", applied), zap.Int64("offset", nextOffset))
	}
	return nil
}
