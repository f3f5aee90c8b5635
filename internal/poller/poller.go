// Package poller implements the per-group swarm polling loop and the
// manager that keeps one poller running for every pollable group.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/pkg/types"
	"github.com/relves/swarmsync/pkg/watch"
)

const (
	// DefaultPollInterval is the pause between poll cycles while the
	// app is visible.
	DefaultPollInterval = 3 * time.Second

	// ConfigTTL is how far into the future the TTL of the messages
	// backing current config state is extended on every poll.
	ConfigTTL = 14 * 24 * time.Hour
)

var (
	// ErrGroupNotFound stops a poller whose group vanished from the
	// user's group list.
	ErrGroupNotFound = errors.New("poller: group not found in user configs")

	// ErrGroupKicked stops a poller once the local user is marked
	// kicked from the group.
	ErrGroupKicked = errors.New("poller: user was kicked from group")
)

// IsNonRetryable reports whether a poll failure is permanent for this
// poller instance. Retrying would keep failing until the surrounding
// state changes, at which point the manager starts a fresh poller.
func IsNonRetryable(err error) bool {
	return errors.Is(err, ErrGroupNotFound) ||
		errors.Is(err, ErrGroupKicked) ||
		errors.Is(err, context.Canceled)
}

// PollResult describes one completed poll cycle.
type PollResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error

	// GroupExpired is set when the cycle could evaluate key access:
	// true means the group holds no key the local user can read with.
	GroupExpired *bool
}

// State is the externally observable state of one poller.
type State struct {
	// HadSuccessfulPoll latches after the first error-free cycle.
	HadSuccessfulPoll bool
	LastPoll          *PollResult
	InProgress        bool
}

// Dispatcher receives the decrypted group messages of each cycle.
type Dispatcher interface {
	DispatchGroupMessages(ctx context.Context, group types.AccountID, msgs []DecryptedMessage) error
}

// RevokedHandler receives each new message from the group's revoked
// namespace. Revoked messages are processed on every cycle regardless
// of other failures, since being kicked must be noticed even when the
// rest of the poll breaks.
type RevokedHandler interface {
	HandleRevokedMessage(ctx context.Context, group types.AccountID, msg swarm.RetrievedMessage) error
}

// DecryptedMessage is one group message after envelope decryption.
type DecryptedMessage struct {
	Hash      string
	Sender    types.AccountID
	Plaintext []byte
	Timestamp time.Time
}

// Config wires one GroupPoller.
type Config struct {
	GroupID types.AccountID

	Store     config.Store
	Swarm     swarm.Client
	PollState storage.PollStateStore

	Dispatcher Dispatcher
	Revoked    RevokedHandler

	// AppVisible gates automatic polling; manual poll requests are
	// served regardless.
	AppVisible *watch.Value[bool]

	PollInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

func (c *Config) fill() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// GroupPoller repeatedly retrieves one group's swarm namespaces,
// merges config messages, decrypts and dispatches group messages, and
// feeds revoked messages to the kick handler.
type GroupPoller struct {
	cfg   Config
	log   *slog.Logger
	state *watch.Value[State]

	requests chan chan PollResult

	// cached swarm routing, reset when a node misbehaves
	nodes []swarm.Node
	node  *swarm.Node
}

// New creates a poller; call Run to start it.
func New(cfg Config) *GroupPoller {
	cfg.fill()
	return &GroupPoller{
		cfg:      cfg,
		log:      cfg.Logger.With("group", cfg.GroupID),
		state:    watch.NewValue(State{}),
		requests: make(chan chan PollResult, 16),
	}
}

// WatchState subscribes to the poller's state.
func (p *GroupPoller) WatchState(ctx context.Context) <-chan State {
	return p.state.Watch(ctx)
}

// CurrentState returns the poller's state.
func (p *GroupPoller) CurrentState() State {
	return p.state.Get()
}

// RequestPollOnce asks for a poll cycle and waits for the result of a
// cycle that started at or after the request. Concurrent requests are
// coalesced into one cycle.
func (p *GroupPoller) RequestPollOnce(ctx context.Context) (PollResult, error) {
	resultCh := make(chan PollResult, 1)
	select {
	case p.requests <- resultCh:
	case <-ctx.Done():
		return PollResult{}, ctx.Err()
	}
	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		return PollResult{}, ctx.Err()
	}
}

// Run polls until ctx ends or a non-retryable failure occurs.
func (p *GroupPoller) Run(ctx context.Context) {
	defer p.state.Update(func(s State) State {
		s.InProgress = false
		return s
	})

	visible := p.cfg.AppVisible.Watch(ctx)
	var pending []chan PollResult

	for {
		// Block until a cycle is wanted: app visible, or a manual
		// request queued.
		for len(pending) == 0 && !p.cfg.AppVisible.Get() {
			select {
			case <-ctx.Done():
				return
			case req := <-p.requests:
				pending = append(pending, req)
			case <-visible:
			}
		}
		pending = p.drainRequests(pending)

		p.state.Update(func(s State) State {
			s.InProgress = true
			return s
		})
		res := p.pollOnce(ctx)
		for _, req := range pending {
			req <- res
		}
		pending = nil
		p.state.Update(func(s State) State {
			s.LastPoll = &res
			s.InProgress = false
			if res.Err == nil {
				s.HadSuccessfulPoll = true
			}
			return s
		})

		if res.Err != nil {
			if IsNonRetryable(res.Err) {
				if !errors.Is(res.Err, context.Canceled) {
					p.log.Info("stopping poller", "error", res.Err)
				}
				return
			}
			p.log.Warn("poll cycle failed", "error", res.Err)
		}

		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case req := <-p.requests:
			// A manual request cuts the pause short.
			timer.Stop()
			pending = append(pending, req)
		case <-timer.C:
		}
	}
}

func (p *GroupPoller) drainRequests(pending []chan PollResult) []chan PollResult {
	for {
		select {
		case req := <-p.requests:
			pending = append(pending, req)
		default:
			return pending
		}
	}
}

func (p *GroupPoller) pollOnce(ctx context.Context) PollResult {
	res := PollResult{StartedAt: p.cfg.Now()}
	res.Err = p.poll(ctx, &res)
	res.FinishedAt = p.cfg.Now()
	return res
}

func (p *GroupPoller) poll(ctx context.Context, res *PollResult) error {
	group := p.cfg.GroupID

	record, ok := p.cfg.Store.GetGroup(group)
	if !ok {
		return ErrGroupNotFound
	}
	if record.Kicked {
		return ErrGroupKicked
	}
	auth := swarm.Auth{Account: group, AdminKey: record.AdminKey, SubAccount: record.AuthData}

	node, err := p.pickNode(ctx)
	if err != nil {
		return fmt.Errorf("selecting swarm node: %w", err)
	}

	// One batch per cycle: every namespace retrieval plus, for admins,
	// the TTL extension keeping the current config state alive.
	namespaces := []types.Namespace{
		types.NamespaceGroupKeys,
		types.NamespaceGroupInfo,
		types.NamespaceGroupMembers,
		types.NamespaceGroupMessages,
		types.NamespaceRevokedMessages,
	}
	reqs := make([]swarm.Request, 0, len(namespaces)+1)
	for _, ns := range namespaces {
		lastHash, err := p.cfg.PollState.LastMessageHash(ctx, node.PubKey, group, ns)
		if err != nil {
			return p.failCycle(node, fmt.Errorf("reading %s cursor: %w", ns, err))
		}
		reqs = append(reqs, swarm.RetrieveRequest{Namespace: ns, LastHash: lastHash})
	}
	ttlIdx := -1
	if auth.IsAdmin() {
		if hashes := p.cfg.Store.CurrentHashes(group); len(hashes) > 0 {
			ttlIdx = len(reqs)
			reqs = append(reqs, swarm.ExtendTTLRequest{Hashes: hashes, NewExpiry: p.cfg.Now().Add(ConfigTTL)})
		}
	}

	resps, err := p.cfg.Swarm.SendBatch(ctx, node, group, auth, reqs)
	if err != nil {
		return p.failCycle(node, err)
	}
	if len(resps) < len(namespaces) {
		return p.failCycle(node, fmt.Errorf("short batch response: %d of %d", len(resps), len(reqs)))
	}

	var errs []error
	retrieved := make([][]swarm.RetrievedMessage, len(namespaces))
	failed := make([]bool, len(namespaces))
	for i, ns := range namespaces {
		if err := resps[i].Err(); err != nil {
			failed[i] = true
			errs = append(errs, fmt.Errorf("retrieving %s: %w", ns, err))
			continue
		}
		retrieved[i] = resps[i].Messages
	}
	keys, info, members, regular, revoked := retrieved[0], retrieved[1], retrieved[2], retrieved[3], retrieved[4]

	// Configs merge before group messages decrypt, so messages sealed
	// under a key generation delivered in this same cycle are readable.
	// A failed config retrieval also skips message handling: advancing
	// the message cursor past messages that could not decrypt would
	// lose them.
	if !failed[0] && !failed[1] && !failed[2] {
		if err := p.processConfigs(ctx, node, keys, info, members, res); err != nil {
			errs = append(errs, err)
		}
		if !failed[3] {
			if err := p.processMessages(ctx, node, regular); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if ttlIdx >= 0 {
		if err := resps[ttlIdx].Err(); err != nil {
			errs = append(errs, fmt.Errorf("extending config TTL: %w", err))
		}
	}

	// Revoked messages are handled last but unconditionally: being
	// kicked must be noticed even when the rest of the cycle failed.
	if !failed[4] {
		if err := p.processRevoked(ctx, node, revoked); err != nil {
			errs = append(errs, err)
		}
	}

	return p.failCycle(node, errors.Join(errs...))
}

// failCycle invalidates the cached node on any retryable failure so
// the next cycle selects a different one.
func (p *GroupPoller) failCycle(node swarm.Node, err error) error {
	if err != nil && !IsNonRetryable(err) {
		if swarm.IsBadNodeError(err) {
			p.log.Debug("dropping bad swarm node", "node", node.PubKey)
		}
		p.evictNode(node)
	}
	return err
}

// saveCursor advances the per-node retrieval cursor past the processed
// messages. Called only after processing succeeded far enough that
// skipping these messages on the next cycle is safe.
func (p *GroupPoller) saveCursor(ctx context.Context, node swarm.Node, ns types.Namespace, msgs []swarm.RetrievedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	last := msgs[len(msgs)-1].Hash
	if err := p.cfg.PollState.SetLastMessageHash(ctx, node.PubKey, p.cfg.GroupID, ns, last); err != nil {
		return fmt.Errorf("saving %s cursor: %w", ns, err)
	}
	return nil
}

func (p *GroupPoller) processConfigs(ctx context.Context, node swarm.Node, keys, info, members []swarm.RetrievedMessage, res *PollResult) error {
	group := p.cfg.GroupID

	if err := p.cfg.Store.MergeGroupConfigMessages(group,
		configMessages(keys), configMessages(info), configMessages(members)); err != nil {
		return fmt.Errorf("merging config messages: %w", err)
	}

	var errs []error
	for ns, msgs := range map[types.Namespace][]swarm.RetrievedMessage{
		types.NamespaceGroupKeys:    keys,
		types.NamespaceGroupInfo:    info,
		types.NamespaceGroupMembers: members,
	} {
		if err := p.saveCursor(ctx, node, ns, msgs); err != nil {
			errs = append(errs, err)
		}
	}

	if p.cfg.Store.HasGroupConfigs(group) {
		viewErr := p.cfg.Store.WithGroupConfigs(group, func(v config.GroupView) error {
			expired := v.UsableKeyCount() == 0
			res.GroupExpired = &expired
			return nil
		})
		if viewErr != nil {
			errs = append(errs, viewErr)
		}
	}

	return errors.Join(errs...)
}

func (p *GroupPoller) processMessages(ctx context.Context, node swarm.Node, msgs []swarm.RetrievedMessage) error {
	group := p.cfg.GroupID
	if len(msgs) == 0 {
		return nil
	}

	hashes := make([]string, len(msgs))
	byHash := make(map[string]swarm.RetrievedMessage, len(msgs))
	for i, m := range msgs {
		hashes[i] = m.Hash
		byHash[m.Hash] = m
	}
	fresh, err := p.cfg.PollState.MarkMessagesReceived(ctx, group, hashes)
	if err != nil {
		return fmt.Errorf("deduplicating messages: %w", err)
	}

	var decrypted []DecryptedMessage
	viewErr := p.cfg.Store.WithGroupConfigs(group, func(v config.GroupView) error {
		for _, hash := range fresh {
			m := byHash[hash]
			pt, sender, err := v.Decrypt(m.Data)
			if err != nil {
				// Undecryptable messages are dropped, not retried:
				// the cursor moves on regardless.
				p.log.Debug("dropping undecryptable message", "hash", hash, "error", err)
				continue
			}
			decrypted = append(decrypted, DecryptedMessage{
				Hash:      hash,
				Sender:    sender,
				Plaintext: pt,
				Timestamp: m.Timestamp,
			})
		}
		return nil
	})
	if viewErr != nil && !errors.Is(viewErr, config.ErrGroupNotFound) {
		return fmt.Errorf("decrypting messages: %w", viewErr)
	}

	if len(decrypted) > 0 {
		if err := p.cfg.Dispatcher.DispatchGroupMessages(ctx, group, decrypted); err != nil {
			return fmt.Errorf("dispatching messages: %w", err)
		}
	}
	return p.saveCursor(ctx, node, types.NamespaceGroupMessages, msgs)
}

func (p *GroupPoller) processRevoked(ctx context.Context, node swarm.Node, msgs []swarm.RetrievedMessage) error {
	var errs []error
	for _, m := range msgs {
		if err := p.cfg.Revoked.HandleRevokedMessage(ctx, p.cfg.GroupID, m); err != nil {
			errs = append(errs, fmt.Errorf("handling revoked message %s: %w", m.Hash, err))
		}
	}
	if err := p.saveCursor(ctx, node, types.NamespaceRevokedMessages, msgs); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *GroupPoller) pickNode(ctx context.Context) (swarm.Node, error) {
	if p.node != nil {
		return *p.node, nil
	}
	if len(p.nodes) == 0 {
		nodes, err := p.cfg.Swarm.FetchSwarmNodes(ctx, p.cfg.GroupID)
		if err != nil {
			return swarm.Node{}, err
		}
		if len(nodes) == 0 {
			return swarm.Node{}, errors.New("account has no swarm nodes")
		}
		p.nodes = nodes
	}
	node := p.nodes[rand.Intn(len(p.nodes))]
	p.node = &node
	return node, nil
}

// evictNode drops a misbehaving node from the cached set; the next
// cycle picks another, refetching the set once it is exhausted.
func (p *GroupPoller) evictNode(node swarm.Node) {
	p.node = nil
	kept := p.nodes[:0]
	for _, n := range p.nodes {
		if n.PubKey != node.PubKey {
			kept = append(kept, n)
		}
	}
	p.nodes = kept
}

func configMessages(msgs []swarm.RetrievedMessage) []types.ConfigMessage {
	out := make([]types.ConfigMessage, len(msgs))
	for i, m := range msgs {
		out[i] = types.ConfigMessage{Hash: m.Hash, Data: m.Data, Timestamp: m.Timestamp}
	}
	return out
}
