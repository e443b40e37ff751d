// Package coordinator implements the Materialisation Coordinator (MC): the
// component that drives subscription workers against the event log and
// routes decoded events to the Object Registry, COV Engine, and Snapshot
// Store Adapter.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
	"github.com/northwing-bms/bacnet-gateway/cov"
	"github.com/northwing-bms/bacnet-gateway/eventlog"
	"github.com/northwing-bms/bacnet-gateway/registry"
	"github.com/northwing-bms/bacnet-gateway/store"
)

// catchUpBatchSize and persistentBatchSize bound how many events a worker
// pulls per round.
const (
	catchUpBatchSize       = 100
	persistentBatchSize    = 10
	persistentPollInterval = 100 * time.Millisecond
)

// SubscriberFactory constructs a fresh eventlog.Subscriber for a worker to
// (re)connect with. Bound at startup so the coordinator doesn't import a
// concrete transport.
type SubscriberFactory func() eventlog.Subscriber

// Coordinator owns the registry, COV engine, store, and one worker per
// configured subscription, mirroring a manager that holds one client per
// upstream source.
type Coordinator struct {
	reg     *registry.Registry
	engine  *cov.Engine
	st      store.Store
	newSub  SubscriberFactory
	configs []eventlog.SubscriptionConfig

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Coordinator. Call Start once to load state from SSA and
// spawn workers.
func New(reg *registry.Registry, engine *cov.Engine, st store.Store, newSub SubscriberFactory, configs []eventlog.SubscriptionConfig) *Coordinator {
	return &Coordinator{
		reg:     reg,
		engine:  engine,
		st:      st,
		newSub:  newSub,
		configs: configs,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start runs the startup sequence once: load cursors, rebuild OR from SSA's
// index, then synchronously connect every worker to the event log before
// handing it off to its long-running loop. A subscription whose initial
// connect fails is a startup failure, not a background retry — the caller
// is expected to surface it as such (exit code, per the gateway's
// documented startup contract) rather than let it silently keep retrying
// while the process reports itself healthy.
func (c *Coordinator) Start(ctx context.Context) error {
	resolved := make([]eventlog.SubscriptionConfig, 0, len(c.configs))
	for _, cfg := range c.configs {
		if !cfg.Enabled {
			continue
		}
		if pos, err := c.st.LoadCursor(ctx, cfg.SubscriptionID); err == nil {
			cfg.StartFrom = eventlog.StartFrom{Kind: eventlog.StartPosition, Position: pos + 1}
		} else if err != store.ErrNotFound {
			return fmt.Errorf("load cursor %s: %w", cfg.SubscriptionID, err)
		}
		resolved = append(resolved, cfg)
	}

	if err := c.rebuildRegistry(ctx); err != nil {
		return fmt.Errorf("rebuild registry: %w", err)
	}

	return c.bulkStart(ctx, resolved)
}

// rebuildRegistry iterates SSA's full object index and installs each record
// into OR, reconstructing the live device from durable state.
func (c *Coordinator) rebuildRegistry(ctx context.Context) error {
	it, err := c.st.Iterate(ctx, nil)
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for {
		rec, ok := it.Next(ctx)
		if !ok {
			break
		}
		desc := registry.Descriptor{
			Type:          rec.Type,
			Instance:      rec.Instance,
			Name:          rec.Name,
			Description:   rec.Description,
			UnitsCode:     rec.UnitsCode,
			UnitsText:     rec.UnitsText,
			MinPresentVal: rec.MinPresentVal,
			MaxPresentVal: rec.MaxPresentVal,
			StateTexts:    rec.StateTexts,
			InactiveText:  rec.InactiveText,
			ActiveText:    rec.ActiveText,
			PriorityArray: rec.PriorityArray,
			CovIncrement:  rec.CovIncrement,
		}
		c.reg.Install(desc, rec.PresentValue, rec.Status, rec.LastCovValue)
		count++
	}
	if err := it.Err(); err != nil {
		log.Printf("coordinator: registry rebuild stopped early after %d records: %v", count, err)
	} else {
		log.Printf("coordinator: registry rebuilt with %d records", count)
	}
	return nil
}

// bulkStart connects one worker per config with bounded concurrency so a
// large subscription count doesn't open a flood of simultaneous connect
// attempts against the event log. It blocks until every config has either
// connected and been handed off to its long-running loop, or failed its
// initial connect; failures are aggregated and returned together.
func (c *Coordinator) bulkStart(ctx context.Context, configs []eventlog.SubscriptionConfig) error {
	const concurrency = 5
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var merr *multierror.Error

	for _, cfg := range configs {
		cfg := cfg
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.startWorker(ctx, cfg); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("subscription %s: %w", cfg.SubscriptionID, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return merr.ErrorOrNil()
}

// startWorker synchronously attempts the subscription's first connect, then
// — only on success — installs the cancel handle and launches the worker's
// long-running loop in the background. A failed initial connect closes the
// subscriber and is returned to the caller without spawning anything.
func (c *Coordinator) startWorker(ctx context.Context, cfg eventlog.SubscriptionConfig) error {
	sub := c.newSub()
	if err := sub.Connect(ctx, cfg); err != nil {
		sub.Close()
		return fmt.Errorf("initial connect: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[cfg.SubscriptionID] = cancel
	c.mu.Unlock()

	w := &worker{
		cfg:       cfg,
		sub:       sub,
		reg:       c.reg,
		engine:    c.engine,
		st:        c.st,
		connected: true,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.run(workerCtx)
	}()
	return nil
}

// Stop cancels every worker and waits for them to exit. It returns nil once
// all have exited, or an error if they have not exited within 30s.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		var merr *multierror.Error
		merr = multierror.Append(merr, fmt.Errorf("coordinator: workers did not exit within 30s of shutdown"))
		return merr.ErrorOrNil()
	}
}

// ObjectExists adapts the registry for cov.Engine's TargetExists dependency
// without the cov package importing registry directly.
func ObjectExists(reg *registry.Registry) func(bacnet.ObjectID) bool {
	return func(id bacnet.ObjectID) bool {
		_, err := reg.Read(id)
		return err == nil
	}
}
