// Package archiver periodically captures each tag's latest cached value
// into the historical store, at a cadence that can be changed while
// running.
package archiver

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/modbus-scada/engine/internal/cache"
	"github.com/modbus-scada/engine/internal/store"
)

const entryKey = "archive"

// Options configures a new Archiver.
type Options struct {
	Adapter store.Adapter
	Cache   *cache.Cache
	Logger  *zap.Logger
}

// Archiver drives a single robfig/cron entry at the configured
// archiveInterval setting. Changing the interval while running removes
// and re-adds the entry, so the new cadence takes effect at the next
// tick boundary rather than immediately.
type Archiver struct {
	adapter store.Adapter
	cache   *cache.Cache
	log     *zap.Logger

	mu       sync.Mutex
	cronjob  *cron.Cron
	entry    cron.EntryID
	hasEntry bool
	interval time.Duration
	running  bool
}

// New constructs an Archiver. Call Start to begin archiving.
func New(opts Options) *Archiver {
	return &Archiver{
		adapter: opts.Adapter,
		cache:   opts.Cache,
		log:     opts.Logger,
	}
}

// Start is idempotent. It reads the current archiveInterval setting
// (falling back to store.DefaultArchiveInterval when unset or
// malformed) and schedules the periodic tick.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	interval := a.loadInterval(ctx)
	a.cronjob = cron.New()
	if err := a.addEntryLocked(interval); err != nil {
		return fmt.Errorf("archiver: start: %w", err)
	}
	a.cronjob.Start()
	a.running = true
	return nil
}

// Stop is idempotent. It waits for any in-flight tick to finish.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	job := a.cronjob
	a.cronjob = nil
	a.hasEntry = false
	a.mu.Unlock()

	<-job.Stop().Done()
}

// IsRunning reports whether Start has been called without a matching Stop.
func (a *Archiver) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Interval returns the cadence currently in effect.
func (a *Archiver) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

// ReloadInterval re-reads the archiveInterval setting and, if it
// differs from the cadence currently in effect, replaces the cron
// entry so the new interval takes effect on its next tick boundary.
// A no-op when the Archiver isn't running.
func (a *Archiver) ReloadInterval(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}

	interval := a.loadInterval(ctx)
	if interval == a.interval {
		return nil
	}
	if a.hasEntry {
		a.cronjob.Remove(a.entry)
		a.hasEntry = false
	}
	return a.addEntryLocked(interval)
}

func (a *Archiver) addEntryLocked(interval time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval.String())
	id, err := a.cronjob.AddFunc(spec, a.tick)
	if err != nil {
		return fmt.Errorf("archiver: schedule %s: %w", entryKey, err)
	}
	a.entry = id
	a.hasEntry = true
	a.interval = interval
	return nil
}

func (a *Archiver) loadInterval(ctx context.Context) time.Duration {
	raw, ok, err := a.adapter.GetSetting(ctx, store.SettingArchiveInterval)
	if err != nil || !ok {
		return store.DefaultArchiveInterval
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 1000 {
		return store.DefaultArchiveInterval
	}
	return time.Duration(ms) * time.Millisecond
}

// tick walks every enabled device's enabled tags and appends one
// HistoryRecord per tag that has a cached, error-free sample.
func (a *Archiver) tick() {
	ctx := context.Background()
	trees, err := a.adapter.ListEnabledNodesWithChildren(ctx)
	if err != nil {
		a.log.Warn("archiver: failed to load nodes", zap.Error(err))
		return
	}

	now := time.Now()
	count := 0
	for _, tree := range trees {
		for _, dt := range tree.Devices {
			if !dt.Device.Enabled {
				continue
			}
			for _, tag := range dt.Tags {
				if !tag.Enabled {
					continue
				}
				sample, ok := a.cache.Get(dt.Device.ID, tag.ID)
				if !ok || sample.Value == nil || sample.Error != "" {
					continue
				}
				text := strconv.FormatFloat(*sample.Value, 'f', -1, 64)
				if err := a.adapter.AppendHistory(ctx, dt.Device.ID, tag.ID, text, now); err != nil {
					a.log.Warn("archiver: append history failed",
						zap.String("deviceId", dt.Device.ID), zap.String("tagId", tag.ID), zap.Error(err))
					continue
				}
				count++
			}
		}
	}
	a.log.Debug("archiver: tick complete", zap.Int("recordsWritten", count), zap.Time("at", now))
}
