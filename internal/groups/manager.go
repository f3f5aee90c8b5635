// Package groups implements the group membership protocol: creating
// groups, inviting, promoting and removing members, leaving, and the
// handlers for the control messages those operations produce on the
// other side.
package groups

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/messages"
	"github.com/relves/swarmsync/internal/poller"
	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/pkg/types"
)

const (
	// DefaultConfigPushTimeout bounds how long mutating operations
	// wait for their config changes to reach the swarm.
	DefaultConfigPushTimeout = 10 * time.Second

	// DefaultApprovalPollTimeout bounds the initial poll performed
	// when accepting an invitation.
	DefaultApprovalPollTimeout = 20 * time.Second
)

var (
	// ErrNotAdmin is returned by operations requiring group admin
	// authority.
	ErrNotAdmin = errors.New("groups: not a group admin")

	// ErrGroupNotFound is returned when the group is not in the user's
	// group list.
	ErrGroupNotFound = errors.New("groups: group not found")

	// ErrNoPendingInvite is returned by RespondToInvite when the group
	// has no pending invitation.
	ErrNoPendingInvite = errors.New("groups: no pending invite")
)

// InviteFailure reports which members an invite or promotion could not
// be delivered to.
type InviteFailure struct {
	Group     types.AccountID
	GroupName string
	MemberIDs []types.AccountID
	Promotion bool
	Err       error
}

func (e *InviteFailure) Error() string {
	kind := "invite"
	if e.Promotion {
		kind = "promotion"
	}
	return fmt.Sprintf("groups: %s failed for %d member(s) of %q: %v", kind, len(e.MemberIDs), e.GroupName, e.Err)
}

func (e *InviteFailure) Unwrap() error {
	return e.Err
}

// Identity is the local user's account identity.
type Identity struct {
	Account     types.AccountID
	Key         ed25519.PrivateKey
	DisplayName string
}

// PollRequester triggers a poll cycle for a group, used to fetch a
// joined group's configs promptly after accepting an invite.
type PollRequester interface {
	PollOnce(ctx context.Context, group types.AccountID) (poller.PollResult, error)
}

// LocalStore is the conversation database the protocol side-effects
// into: message deletion and conversation teardown.
type LocalStore interface {
	DeleteConversation(ctx context.Context, id types.AccountID) error
	ClearMessages(ctx context.Context, id types.AccountID) error
	DeleteMessagesFrom(ctx context.Context, group types.AccountID, senders []types.AccountID) error
	DeleteMessagesByHash(ctx context.Context, group types.AccountID, hashes []string) error

	// MessageHashesFrom lists the swarm hashes of messages the given
	// senders authored in the group, for admin-side swarm deletion.
	MessageHashesFrom(ctx context.Context, group types.AccountID, senders []types.AccountID) ([]string, error)
}

// Config wires a Manager.
type Config struct {
	Identity Identity

	Store     config.Store
	Swarm     swarm.Client
	PollState storage.PollStateStore
	Transport messages.Transport
	Cipher    messages.MultiRecipientCipher
	Local     LocalStore

	// Pollers is optional; without it, invite acceptance skips the
	// eager first poll and waits for the regular poll loop.
	Pollers PollRequester

	// ConfigPushTimeout bounds waiting for config pushes. Zero means
	// DefaultConfigPushTimeout; negative means push best-effort and do
	// not wait.
	ConfigPushTimeout time.Duration

	ApprovalPollTimeout time.Duration
	Logger              *slog.Logger
	Now                 func() time.Time
}

func (c *Config) fill() {
	if c.ConfigPushTimeout == 0 {
		c.ConfigPushTimeout = DefaultConfigPushTimeout
	}
	if c.ApprovalPollTimeout <= 0 {
		c.ApprovalPollTimeout = DefaultApprovalPollTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Manager executes membership operations. Operations on the same
// group are serialized through an internal scope.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	scope *Scope
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	cfg.fill()
	return &Manager{
		cfg:   cfg,
		log:   cfg.Logger,
		scope: NewScope(),
	}
}

func (m *Manager) groupAuth(group types.AccountID) (config.GroupRecord, swarm.Auth, error) {
	rec, ok := m.cfg.Store.GetGroup(group)
	if !ok {
		return config.GroupRecord{}, swarm.Auth{}, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	return rec, swarm.Auth{Account: group, AdminKey: rec.AdminKey, SubAccount: rec.AuthData}, nil
}

func (m *Manager) adminAuth(group types.AccountID) (config.GroupRecord, swarm.Auth, error) {
	rec, auth, err := m.groupAuth(group)
	if err != nil {
		return rec, auth, err
	}
	if !rec.IsAdmin() {
		return rec, auth, fmt.Errorf("%w: %s", ErrNotAdmin, group)
	}
	return rec, auth, nil
}

// pushConfigs uploads the group's dirty config objects to its swarm.
func (m *Manager) pushConfigs(ctx context.Context, group types.AccountID, auth swarm.Auth) error {
	pending, err := m.cfg.Store.PendingPush(group)
	if err != nil {
		return fmt.Errorf("reading pending configs: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	node, err := swarm.SingleTargetNode(ctx, m.cfg.Swarm, group)
	if err != nil {
		return err
	}
	reqs := make([]swarm.Request, len(pending))
	for i, p := range pending {
		reqs[i] = swarm.StoreRequest{
			Namespace: p.Namespace,
			Data:      p.Data,
			TTL:       poller.ConfigTTL,
			Timestamp: m.cfg.Now(),
		}
	}
	resps, err := m.cfg.Swarm.SendBatch(ctx, node, group, auth, reqs)
	if err != nil {
		return fmt.Errorf("storing configs: %w", err)
	}

	var errs []error
	for i, resp := range resps {
		if err := resp.Err(); err != nil {
			errs = append(errs, fmt.Errorf("storing %s: %w", pending[i].Namespace, err))
			continue
		}
		m.cfg.Store.ConfirmPushed(group, pending[i].Namespace, pending[i].Seq, resp.Hash)
	}
	return errors.Join(errs...)
}

// pushAndWait pushes dirty configs and waits until the store reports
// them durable, within the configured timeout.
func (m *Manager) pushAndWait(ctx context.Context, group types.AccountID, auth swarm.Auth) error {
	if err := m.pushConfigs(ctx, group, auth); err != nil {
		return err
	}
	if m.cfg.ConfigPushTimeout < 0 {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, m.cfg.ConfigPushTimeout)
	defer cancel()
	if err := m.cfg.Store.WaitForPush(wctx, group); err != nil {
		return fmt.Errorf("waiting for config push: %w", err)
	}
	return nil
}

// deleteGroupLocally erases every local trace of a group: the group
// list entry, config objects, poll cursors and the conversation.
func (m *Manager) deleteGroupLocally(ctx context.Context, group types.AccountID) error {
	m.cfg.Store.EraseGroup(group)
	m.cfg.Store.DeleteGroupConfigs(group)
	m.cfg.Store.EraseConvoVolatile(group)

	var errs []error
	if err := m.cfg.PollState.ClearLastMessageHashes(ctx, group); err != nil {
		errs = append(errs, fmt.Errorf("clearing poll cursors: %w", err))
	}
	if err := m.cfg.PollState.ClearReceivedHashes(ctx, group); err != nil {
		errs = append(errs, fmt.Errorf("clearing received hashes: %w", err))
	}
	if err := m.cfg.PollState.DeleteInviteRecord(ctx, group); err != nil {
		errs = append(errs, fmt.Errorf("deleting invite record: %w", err))
	}
	if err := m.cfg.Local.DeleteConversation(ctx, group); err != nil {
		errs = append(errs, fmt.Errorf("deleting conversation: %w", err))
	}
	return errors.Join(errs...)
}

func (m *Manager) infoMessage(ctx context.Context, group types.AccountID, kind storage.InfoMessageKind, sender types.AccountID, body string) {
	err := m.cfg.PollState.InsertGroupInfoMessage(ctx, storage.GroupInfoMessage{
		Group:  group,
		Kind:   kind,
		Sender: sender,
		Body:   body,
		SentAt: m.cfg.Now(),
	})
	if err != nil {
		m.log.Warn("failed to record group info message", "group", group, "kind", kind, "error", err)
	}
}
