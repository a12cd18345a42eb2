package bolt

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Flusher periodically syncs a durable adapter's pending writes.
type Flusher struct {
	adapter  *Adapter
	interval time.Duration
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewFlusher creates a flusher that runs every interval once started.
func NewFlusher(adapter *Adapter, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	return &Flusher{
		adapter:  adapter,
		interval: interval,
	}
}

// Start schedules the flush job.
func (f *Flusher) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("flusher is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", f.interval), f.run); err != nil {
		return fmt.Errorf("failed to schedule flush: %w", err)
	}
	c.Start()

	f.cron = c
	f.running = true

	log.Debug().
		Dur("interval", f.interval).
		Msg("Durable flusher started")

	return nil
}

// Stop halts the schedule and waits for a running flush to finish.
func (f *Flusher) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return fmt.Errorf("flusher is not running")
	}

	<-f.cron.Stop().Done()
	f.running = false

	log.Debug().Msg("Durable flusher stopped")

	return nil
}

func (f *Flusher) run() {
	if err := f.adapter.Flush(); err != nil {
		log.Error().Err(err).Str("path", f.adapter.Path()).Msg("Failed to flush durable store")
	}
}
