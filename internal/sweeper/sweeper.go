package sweeper

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/graybear-io/gbe-nexus/internal/statestore"
	"github.com/graybear-io/gbe-nexus/internal/transport"
	"github.com/graybear-io/gbe-nexus/pkg/log"
)

// terminal task states; a record in one of these is never transitioned by
// the stuck scan.
var terminalStates = map[string]bool{"completed": true, "failed": true, "cancelled": true}

// RetentionRule enforces time-based retention on one subject, optionally
// guarded by the archiver's lag for archival streams.
type RetentionRule struct {
	Subject       string
	MaxAge        time.Duration
	Archival      bool
	ArchiverGroup string
}

// Config holds one Sweeper instance's tick parameters, per spec §4.5.
type Config struct {
	Root           string
	Interval       time.Duration
	LockTTL        time.Duration
	StuckThreshold time.Duration
	LagThreshold   int
	Retention      []RetentionRule
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	return c
}

// Report summarizes one completed tick, published to
// "<root>.events.system.sweep".
type Report struct {
	StuckCount     int `json:"stuck_count"`
	RetriedCount   int `json:"retried_count"`
	FailedByBudget int `json:"failed_by_budget_count"`
	TrimmedCount   int `json:"trimmed_count"`
}

// Sweeper runs the periodic tick loop.
type Sweeper struct {
	cfg       Config
	store     statestore.Store
	transport transport.Transport
	lock      Lock
	logger    log.Logger
}

// New constructs a Sweeper. lock is produced by the caller (RedisLock or
// PebbleLock) matching whichever backend the deployment uses.
func New(cfg Config, store statestore.Store, tp transport.Transport, lock Lock, logger log.Logger) *Sweeper {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Sweeper{cfg: cfg.withDefaults(), store: store, transport: tp, lock: lock, logger: logger}
}

// InstanceID mints a globally unique lock-owner token, <hostname>-<uuid>.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.tick(ctx)
		}
	}
}

// Tick runs exactly one sweep, for tests and one-shot CLI invocations. The
// returned Report is the zero value if the lock could not be acquired.
func (s *Sweeper) Tick(ctx context.Context) (Report, error) {
	return s.tick(ctx)
}

func (s *Sweeper) tick(ctx context.Context) (Report, error) {
	report := Report{}

	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		s.logger.Warn("sweeper lock acquire failed", log.Err(err))
		return report, nil
	}
	if !acquired {
		return report, nil
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			s.logger.Warn("sweeper lock release failed", log.Err(err))
		}
	}()

	s.stuckScan(ctx, &report)
	s.enforceRetention(ctx, &report)
	s.emitReport(ctx, report)
	return report, nil
}

func (s *Sweeper) stuckScan(ctx context.Context, report *Report) {
	prefix := s.cfg.Root + ".state.tasks."
	now := time.Now()
	cutoff := now.Add(-s.cfg.StuckThreshold).UnixMilli()

	results, err := s.store.Scan(ctx, prefix, statestore.ScanOptions{
		Filter: &statestore.ScanFilter{Field: "updated_at_ms", Op: statestore.OpLt, Value: []byte(strconv.FormatInt(cutoff, 10))},
	})
	if err != nil {
		s.logger.Warn("sweeper stuck scan failed", log.Err(err))
		return
	}

	for _, res := range results {
		state := string(res.Record.Fields["state"])
		if terminalStates[state] {
			continue
		}
		report.StuckCount++
		s.handleStuck(ctx, res, report)
	}
}

func (s *Sweeper) handleStuck(ctx context.Context, res statestore.ScanResult, report *Report) {
	taskType := string(res.Record.Fields["task_type"])
	retryCount := parseIntOr(res.Record.Fields["retry_count"], 0)
	maxRetries := parseIntOr(res.Record.Fields["max_retries"], 0)
	now := time.Now()

	if retryCount >= maxRetries {
		if err := s.store.SetFields(ctx, res.Key, map[string][]byte{
			"state": []byte("failed"),
		}); err != nil {
			s.logger.Warn("sweeper failed to mark task failed", log.Str("key", res.Key), log.Err(err))
			return
		}
		report.FailedByBudget++
		s.publishBestEffort(ctx, fmt.Sprintf("%s.tasks.%s.terminal", s.cfg.Root, taskType), res.Record.Fields)
		s.publishBestEffort(ctx, s.cfg.Root+".events.system.error", map[string][]byte{"key": []byte(res.Key), "reason": []byte("retry budget exhausted")})
		return
	}

	fields := map[string][]byte{
		"state":         []byte("pending"),
		"retry_count":   []byte(strconv.FormatInt(retryCount+1, 10)),
		"updated_at_ms": []byte(strconv.FormatInt(now.UnixMilli(), 10)),
	}
	if stepTimeout := parseIntOr(res.Record.Fields["step_timeout_ms"], 0); stepTimeout > 0 {
		fields["timeout_at_ms"] = []byte(strconv.FormatInt(now.UnixMilli()+stepTimeout, 10))
	}
	if err := s.store.SetFields(ctx, res.Key, fields); err != nil {
		s.logger.Warn("sweeper failed to requeue task", log.Str("key", res.Key), log.Err(err))
		return
	}
	report.RetriedCount++
	s.publishBestEffort(ctx, fmt.Sprintf("%s.tasks.%s.queue", s.cfg.Root, taskType), res.Record.Fields)
}

func (s *Sweeper) enforceRetention(ctx context.Context, report *Report) {
	for _, rule := range s.cfg.Retention {
		if rule.Archival {
			counter, ok := s.transport.(transport.PendingCounter)
			if ok {
				pending, err := counter.PendingCount(ctx, rule.Subject, rule.ArchiverGroup)
				if err == nil && pending > s.cfg.LagThreshold {
					s.publishBestEffort(ctx, s.cfg.Root+".events.system.error", map[string][]byte{
						"subject": []byte(rule.Subject),
						"reason":  []byte("archiver lag exceeds threshold, trim skipped"),
					})
					continue
				}
			}
		}
		removed, err := s.transport.TrimStream(ctx, rule.Subject, rule.MaxAge)
		if err != nil {
			s.logger.Warn("sweeper trim failed", log.Str("subject", rule.Subject), log.Err(err))
			continue
		}
		report.TrimmedCount += removed
	}
}

func (s *Sweeper) emitReport(ctx context.Context, report Report) {
	payload := fmt.Sprintf(`{"stuck_count":%d,"retried_count":%d,"failed_by_budget_count":%d,"trimmed_count":%d}`,
		report.StuckCount, report.RetriedCount, report.FailedByBudget, report.TrimmedCount)
	if _, err := s.transport.Publish(ctx, s.cfg.Root+".events.system.sweep", []byte(payload), transport.PublishOpts{}); err != nil {
		s.logger.Warn("sweeper failed to publish sweep report", log.Err(err))
	}
}

func (s *Sweeper) publishBestEffort(ctx context.Context, subject string, fields map[string][]byte) {
	payload, err := jsonMarshalFields(fields)
	if err != nil {
		return
	}
	if _, err := s.transport.Publish(ctx, subject, payload, transport.PublishOpts{}); err != nil {
		s.logger.Warn("sweeper event publish failed", log.Str("subject", subject), log.Err(err))
	}
}

func parseIntOr(b []byte, def int64) int64 {
	if len(b) == 0 {
		return def
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return def
	}
	return n
}
