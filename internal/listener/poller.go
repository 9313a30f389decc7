package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"onboard-mail-agent/internal/config"
)

// Poller is the degenerate listener variant for deployments without push
// infrastructure: it periodically scans the newest mailbox messages and runs
// them through the same processor as the Pub/Sub path. The dedup gate makes
// repeated scans of the same messages harmless.
type Poller struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	interval  int
	processor *Processor
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

func NewPoller(cfg *config.ListenerConfig, processor *Processor) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		cron:      cron.New(),
		interval:  cfg.PollIntervalMinutes,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the polling job.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("poller is already running")
	}

	// A previous Stop cancelled the context; restarts need a fresh one.
	if p.ctx.Err() != nil {
		p.ctx, p.cancel = context.WithCancel(context.Background())
	}
	if p.entryID != 0 {
		p.cron.Remove(p.entryID)
	}

	schedule := fmt.Sprintf("@every %dm", p.interval)
	entryID, err := p.cron.AddFunc(schedule, p.poll)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	p.entryID = entryID
	p.cron.Start()
	p.isRunning = true

	logrus.Infof("Poller started with interval: %d minutes", p.interval)
	return nil
}

// Stop cancels in-flight work and stops the schedule.
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return nil
	}

	p.cancel()
	ctx := p.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Poller stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Poller stop timeout, forcing shutdown")
	}

	p.isRunning = false
	return nil
}

// IsRunning returns whether the poller is running
func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}

// Wait waits for an in-flight polling cycle to finish.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) poll() {
	p.wg.Add(1)
	defer p.wg.Done()

	ids, err := p.processor.reader.RecentMessageIDs(p.ctx, pollBatchSize)
	if err != nil {
		logrus.Errorf("Polling cycle failed to list messages: %v", err)
		return
	}

	for _, id := range ids {
		if p.ctx.Err() != nil {
			return
		}
		if err := p.processor.ProcessMessage(p.ctx, id); err != nil {
			logrus.Errorf("Failed to process message %s: %v", id, err)
		}
	}
}
