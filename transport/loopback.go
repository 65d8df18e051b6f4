package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/registry"
)

// Loopback is a master channel wired to in-process minion agents. It
// serves single-node deployments and tests.
type Loopback struct {
	*Master

	broker *MemoryBroker
	agents map[string]*Agent
	ids    []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoopback creates a master and one agent per id, sharing an
// in-process broker.
func NewLoopback(ids []string, reg *registry.Registry, cfg config.TransportConfig, logger *zap.Logger, opts ...AgentOption) *Loopback {
	if logger == nil {
		logger = zap.NewNop()
	}
	broker := NewMemoryBroker()
	l := &Loopback{
		Master: NewMaster(broker, cfg, WithMasterLogger(logger)),
		broker: broker,
		agents: make(map[string]*Agent, len(ids)),
		ids:    append([]string(nil), ids...),
	}
	base := []AgentOption{WithAgentLogger(logger), WithSigningKey(cfg.SigningKey), WithMaxMessageAge(cfg.MaxMessageAge)}
	for _, id := range ids {
		l.agents[id] = NewAgent(id, broker, reg, append(base, opts...)...)
	}
	return l
}

// Start runs the agents and waits until every one of them has announced
// itself to the master.
func (l *Loopback) Start(ctx context.Context) error {
	if err := l.Master.Start(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	for _, a := range l.agents {
		l.wg.Add(1)
		go func(a *Agent) {
			defer l.wg.Done()
			if err := a.Run(runCtx); err != nil {
				l.logger.Error("loopback minion stopped", zap.String("minion_id", a.ID()), zap.Error(err))
			}
		}(a)
	}

	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if len(l.Known()) >= len(l.ids) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("loopback minions did not start: have %v, want %v", l.Known(), l.ids)
		case <-tick.C:
		}
	}
}

// Agent returns the in-process agent with the given id.
func (l *Loopback) Agent(id string) (*Agent, bool) {
	a, ok := l.agents[id]
	return a, ok
}

// Close stops the agents, then the master.
func (l *Loopback) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	err := l.Master.Close()
	l.broker.Close()
	return err
}
