// Package dedup suppresses redundant deliveries of the same inbound-event
// notification. The default backing is the same durable store as the
// conversation threads, so the at-least-once contract holds across process
// restarts; a memory-only mode exists for deployments where the delivery
// system's retry window is short and brief outages are tolerable.
package dedup

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"onboard-mail-agent/internal/config"
)

// Recorder is the durable backing used in persistent mode.
type Recorder interface {
	SeenNotification(notificationID string) (bool, error)
	ObserveNotification(notificationID string) error
	PruneNotifications(olderThan time.Time) (int64, error)
}

// Deduplicator tracks seen notification ids. Safe for concurrent use.
type Deduplicator struct {
	cfg      *config.DedupConfig
	recorder Recorder

	mu   sync.Mutex
	seen map[string]time.Time // memory-only mode

	cron    *cron.Cron
	entryID cron.EntryID
}

func New(cfg *config.DedupConfig, recorder Recorder) *Deduplicator {
	d := &Deduplicator{
		cfg:      cfg,
		recorder: recorder,
		cron:     cron.New(),
	}
	if cfg.MemoryOnly {
		d.seen = make(map[string]time.Time)
	}
	return d
}

// Seen reports whether a notification id has already been recorded.
func (d *Deduplicator) Seen(notificationID string) (bool, error) {
	if notificationID == "" {
		return false, fmt.Errorf("empty notification id")
	}

	if d.cfg.MemoryOnly {
		d.mu.Lock()
		defer d.mu.Unlock()
		_, ok := d.seen[notificationID]
		return ok, nil
	}

	return d.recorder.SeenNotification(notificationID)
}

// Observe records a notification id. Callers record only after the work the
// notification triggered is durable, so a crash mid-processing leaves the id
// unrecorded and the redelivery is processed instead of suppressed.
func (d *Deduplicator) Observe(notificationID string) error {
	if notificationID == "" {
		return fmt.Errorf("empty notification id")
	}

	if d.cfg.MemoryOnly {
		d.mu.Lock()
		d.seen[notificationID] = time.Now()
		d.mu.Unlock()
		return nil
	}

	return d.recorder.ObserveNotification(notificationID)
}

// StartPruning schedules periodic removal of entries older than the
// configured retention window.
func (d *Deduplicator) StartPruning() error {
	schedule := fmt.Sprintf("@every %dm", d.cfg.PruneIntervalMinutes)
	entryID, err := d.cron.AddFunc(schedule, d.prune)
	if err != nil {
		return fmt.Errorf("failed to schedule dedup pruning: %w", err)
	}
	d.entryID = entryID
	d.cron.Start()
	logrus.Infof("Dedup pruning scheduled every %d minutes, retention %dh",
		d.cfg.PruneIntervalMinutes, d.cfg.RetentionHours)
	return nil
}

// StopPruning stops the pruning schedule and waits for a running job.
func (d *Deduplicator) StopPruning() {
	ctx := d.cron.Stop()
	<-ctx.Done()
}

func (d *Deduplicator) prune() {
	cutoff := time.Now().Add(-time.Duration(d.cfg.RetentionHours) * time.Hour)

	if d.cfg.MemoryOnly {
		d.mu.Lock()
		removed := 0
		for id, at := range d.seen {
			if at.Before(cutoff) {
				delete(d.seen, id)
				removed++
			}
		}
		d.mu.Unlock()
		logrus.Debugf("Pruned %d in-memory notification entries", removed)
		return
	}

	removed, err := d.recorder.PruneNotifications(cutoff)
	if err != nil {
		logrus.Errorf("Failed to prune notification entries: %v", err)
		return
	}
	logrus.Debugf("Pruned %d notification entries", removed)
}
