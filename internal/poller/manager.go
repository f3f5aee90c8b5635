package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/pkg/types"
	"github.com/relves/swarmsync/pkg/watch"
)

// GroupState pairs a poller state change with its group, for the
// merged state stream.
type GroupState struct {
	Group types.AccountID
	State State
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store     config.Store
	Swarm     swarm.Client
	PollState storage.PollStateStore

	Dispatcher Dispatcher
	Revoked    RevokedHandler

	// AppVisible gates automatic polling of every group.
	AppVisible *watch.Value[bool]

	// Online gates the poller set as a whole: while offline no group
	// is polled.
	Online *watch.Value[bool]

	// LoggedIn gates the poller set on the presence of a local
	// identity; false stops every poller. Nil means always logged in.
	LoggedIn *watch.Value[bool]

	PollInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

func (c *ManagerConfig) fill() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.LoggedIn == nil {
		c.LoggedIn = watch.NewValue(true)
	}
}

type handle struct {
	poller *GroupPoller
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager keeps exactly one running poller per group that should be
// polled: listed in the user's group list, not a pending invite, not
// kicked, not destroyed, and only while online and logged in.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu      sync.Mutex
	runCtx  context.Context
	active  map[types.AccountID]*handle
	changed chan struct{}
	subs    map[int]chan GroupState
	nextSub int
}

// NewManager creates a manager; call Run to start it.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.fill()
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger,
		active:  make(map[types.AccountID]*handle),
		changed: make(chan struct{}),
		subs:    make(map[int]chan GroupState),
	}
}

// Run reconciles the poller set until ctx ends, reacting to config
// changes and connectivity changes.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	updates := m.cfg.Store.SubscribeUpdates(ctx)
	online := m.cfg.Online.Watch(ctx)
	loggedIn := m.cfg.LoggedIn.Watch(ctx)

	m.reconcile()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			m.reconcile()
		case <-online:
			m.reconcile()
		case <-loggedIn:
			m.reconcile()
		}
	}
}

func (m *Manager) reconcile() {
	desired := make(map[types.AccountID]struct{})
	if m.cfg.Online.Get() && m.cfg.LoggedIn.Get() {
		for _, rec := range m.cfg.Store.AllGroups() {
			if rec.ShouldPoll() {
				desired[rec.ID] = struct{}{}
			}
		}
	}

	m.mu.Lock()
	var stopped []*handle
	for id, h := range m.active {
		_, want := desired[id]
		if want && !h.finished() {
			continue
		}
		// Gone from the desired set, or stopped on its own (e.g. a
		// non-retryable failure); a still-desired group gets a fresh
		// poller below.
		h.cancel()
		stopped = append(stopped, h)
		delete(m.active, id)
	}
	for id := range desired {
		if _, ok := m.active[id]; !ok {
			m.startLocked(id)
		}
	}
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	for _, h := range stopped {
		<-h.done
	}
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (m *Manager) startLocked(id types.AccountID) {
	pctx, cancel := context.WithCancel(m.runCtx)
	p := New(Config{
		GroupID:      id,
		Store:        m.cfg.Store,
		Swarm:        m.cfg.Swarm,
		PollState:    m.cfg.PollState,
		Dispatcher:   m.cfg.Dispatcher,
		Revoked:      m.cfg.Revoked,
		AppVisible:   m.cfg.AppVisible,
		PollInterval: m.cfg.PollInterval,
		Logger:       m.cfg.Logger,
		Now:          m.cfg.Now,
	})
	h := &handle{poller: p, cancel: cancel, done: make(chan struct{})}
	m.active[id] = h
	m.log.Debug("starting group poller", "group", id)

	stateCh := p.WatchState(pctx)
	go func() {
		for {
			select {
			case <-pctx.Done():
				return
			case st := <-stateCh:
				m.publish(GroupState{Group: id, State: st})
			}
		}
	}()
	go func() {
		p.Run(pctx)
		close(h.done)
	}()
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.active))
	for _, h := range m.active {
		h.cancel()
		handles = append(handles, h)
	}
	m.active = make(map[types.AccountID]*handle)
	m.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}
}

// ActiveGroups lists the groups with a running poller.
func (m *Manager) ActiveGroups() []types.AccountID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AccountID, 0, len(m.active))
	for id, h := range m.active {
		if !h.finished() {
			out = append(out, id)
		}
	}
	return out
}

// PollOnce requests one poll cycle of the group's poller, waiting for
// the poller to exist if the manager has not started it yet.
func (m *Manager) PollOnce(ctx context.Context, id types.AccountID) (PollResult, error) {
	for {
		m.mu.Lock()
		h, ok := m.active[id]
		changed := m.changed
		m.mu.Unlock()

		if ok {
			return h.poller.RequestPollOnce(ctx)
		}
		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-changed:
		}
	}
}

// PollAllGroupsOnce requests one poll cycle from every active poller
// and waits for all of them.
func (m *Manager) PollAllGroupsOnce(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			_, err := h.poller.RequestPollOnce(gctx)
			return err
		})
	}
	return g.Wait()
}

// WatchGroupPollingState follows one group's poller state across
// poller restarts. A group without a poller reads as the zero State.
func (m *Manager) WatchGroupPollingState(ctx context.Context, id types.AccountID) <-chan State {
	out := make(chan State, 1)

	m.mu.Lock()
	if h, ok := m.active[id]; ok {
		out <- h.poller.CurrentState()
	} else {
		out <- State{}
	}
	sub := m.subscribeLocked()
	m.mu.Unlock()

	go func() {
		defer m.unsubscribe(sub.id)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.ch:
				if ev.Group != id {
					continue
				}
				sendLatest(out, ev.State)
			}
		}
	}()
	return out
}

// WatchAllGroupPollingState merges every poller's state changes into
// one stream. Events may be dropped if the receiver falls behind.
func (m *Manager) WatchAllGroupPollingState(ctx context.Context) <-chan GroupState {
	m.mu.Lock()
	sub := m.subscribeLocked()
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.unsubscribe(sub.id)
	}()
	return sub.ch
}

type subscription struct {
	id int
	ch chan GroupState
}

func (m *Manager) subscribeLocked() subscription {
	id := m.nextSub
	m.nextSub++
	ch := make(chan GroupState, 64)
	m.subs[id] = ch
	return subscription{id: id, ch: ch}
}

func (m *Manager) unsubscribe(id int) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

func (m *Manager) publish(ev GroupState) {
	m.mu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	m.mu.Unlock()
}

// sendLatest delivers with replace-on-lag semantics onto a cap-1
// channel with a single producer.
func sendLatest(ch chan State, st State) {
	select {
	case ch <- st:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
