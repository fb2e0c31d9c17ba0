package checkpoint

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dCache/dcache-sub032/pkg/fileops"
	"github.com/dCache/dcache-sub032/pkg/metrics"
	"github.com/dCache/dcache-sub032/pkg/types"
)

type Config struct {
	Path     string
	Interval time.Duration
}

// Source is where operations to save come from.
type Source interface {
	List(filter *fileops.Filter, limit int) []fileops.View
}

// Loader re-registers saved operations through update validation.
type Loader interface {
	HandleUpdate(ctx context.Context, u *fileops.FileUpdate) (fileops.RegisterOutcome, error)
}

// Checkpointer periodically saves the file operations so they can be
// resumed after a restart.
type Checkpointer struct {
	cfg     Config
	source  Source
	metrics *metrics.Metrics
	logger  *zap.Logger
	group   singleflight.Group
}

func New(cfg Config, source Source, m *metrics.Metrics, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Checkpointer{
		cfg:     cfg,
		source:  source,
		metrics: m,
		logger:  logger.With(zap.String("component", "checkpoint")),
	}
}

func (c *Checkpointer) Path() string {
	return c.cfg.Path
}

// Records takes a snapshot of the operations worth resuming. The listing
// does not stop the scheduler, so it may be slightly out of date.
func (c *Checkpointer) Records() []Record {
	var records []Record
	for _, v := range c.source.List(nil, 0) {
		if v.StateValue() == fileops.StateAborted || v.OpCount <= 0 || v.Group == "" {
			continue
		}
		records = append(records, Record{
			PnfsID:     v.PnfsID,
			Group:      v.Group,
			Unit:       v.Unit,
			Retention:  v.Retention,
			State:      v.State,
			OpCount:    v.OpCount,
			RetryCount: v.RetryCount,
		})
	}
	return records
}

// RunNow writes a checkpoint. Concurrent callers share one write.
func (c *Checkpointer) RunNow(ctx context.Context) (int, error) {
	ch := c.group.DoChan("checkpoint", func() (interface{}, error) {
		return c.write()
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	}
}

func (c *Checkpointer) write() (int, error) {
	start := time.Now()
	records := c.Records()
	if err := WriteFile(c.cfg.Path, records); err != nil {
		c.metrics.CheckpointFailures.Inc()
		return 0, err
	}
	elapsed := time.Since(start)
	c.metrics.CheckpointLatency.Observe(elapsed.Seconds())
	c.metrics.CheckpointRecords.Set(float64(len(records)))
	c.metrics.CheckpointLast.SetToCurrentTime()
	c.logger.Debug("Checkpoint written",
		zap.String("path", c.cfg.Path),
		zap.Int("records", len(records)),
		zap.Duration("elapsed", elapsed))
	return len(records), nil
}

// Run writes a checkpoint every interval, and once more on shutdown.
func (c *Checkpointer) Run(ctx context.Context) error {
	if c.cfg.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := c.write(); err != nil {
				c.logger.Error("Failed to write final checkpoint", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if _, err := c.RunNow(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("Failed to write checkpoint", zap.Error(err))
			}
		}
	}
}

// Load re-registers every saved operation with its count and retries taken
// as saved. A missing checkpoint is not an error.
func (c *Checkpointer) Load(ctx context.Context, loader Loader) (loaded, dropped int, err error) {
	records, err := ReadFile(c.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		c.logger.Info("No checkpoint to reload", zap.String("path", c.cfg.Path))
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return loaded, dropped, err
		}
		outcome, err := loader.HandleUpdate(ctx, &fileops.FileUpdate{
			PnfsID:     r.PnfsID,
			Type:       fileops.Reload,
			Group:      types.GroupName(r.Group),
			Unit:       types.UnitName(r.Unit),
			Count:      r.OpCount,
			RetryCount: r.RetryCount,
		})
		if err != nil {
			c.logger.Warn("Failed to reload file operation",
				zap.String("pnfsid", string(r.PnfsID)),
				zap.Error(err))
			dropped++
			continue
		}
		if outcome == fileops.Dropped {
			dropped++
			continue
		}
		loaded++
	}

	c.logger.Info("Checkpoint reloaded",
		zap.String("path", c.cfg.Path),
		zap.Int("loaded", loaded),
		zap.Int("dropped", dropped))
	return loaded, dropped, nil
}
