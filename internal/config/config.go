// Package config defines the replicated configuration store consumed
// by the pollers and the group manager: the user's own group list plus
// the per-group Keys, Info and Members objects, with merge semantics
// that make concurrent writers converge.
package config

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/relves/swarmsync/pkg/types"
)

var (
	// ErrGroupNotFound is returned when a group has no config state,
	// locally or in the user's group list.
	ErrGroupNotFound = errors.New("config: group not found")

	// ErrNoUsableKey is returned when a group holds no encryption key
	// the local user can read with.
	ErrNoUsableKey = errors.New("config: no usable group encryption key")

	// ErrNotAdmin is returned by mutations requiring the group admin
	// key when the local user does not hold it.
	ErrNotAdmin = errors.New("config: operation requires group admin key")
)

// UpdateKind distinguishes the two change streams a Store emits.
type UpdateKind int

const (
	// UserConfigsChanged signals a change to the user's own configs:
	// group list, contacts or volatile conversation state.
	UserConfigsChanged UpdateKind = iota

	// GroupConfigsChanged signals a change to one group's replicated
	// objects; Group names the group.
	GroupConfigsChanged
)

// UpdateEvent is one entry of the change stream returned by
// SubscribeUpdates.
type UpdateEvent struct {
	Kind  UpdateKind
	Group types.AccountID
}

// PendingPush is one not-yet-uploaded serialized config object.
type PendingPush struct {
	Namespace types.Namespace
	Seq       uint64
	Data      []byte
}

// GroupView is read access to one group's replicated objects, valid
// only inside the WithGroupConfigs callback that produced it.
type GroupView interface {
	Info() Info
	Members() []Member
	Member(id types.AccountID) (Member, bool)

	// KeyGeneration is the newest key generation visible to the local
	// user, or -1 when no key is usable.
	KeyGeneration() int

	// UsableKeyCount counts the encryption keys the local user can
	// decrypt with. Zero on an established group means access has been
	// rotated away, i.e. the group is expired for this user.
	UsableKeyCount() int

	// SubAccountToken derives the swarm credential token issued to a
	// member. Admin only.
	SubAccountToken(id types.AccountID) ([]byte, error)

	// SupplementFor serializes the current key material re-wrapped for
	// the given members, for history-visible invites. Admin only.
	SupplementFor(ids []types.AccountID) ([]byte, error)

	// Encrypt seals a payload under the newest usable key, attributing
	// it to sender.
	Encrypt(plaintext []byte, sender types.AccountID) ([]byte, error)

	// Decrypt opens a group message with whichever usable key matches
	// its generation, returning the plaintext and claimed sender.
	Decrypt(data []byte) ([]byte, types.AccountID, error)
}

// GroupMutable extends GroupView with mutations. Every mutation marks
// the owning object dirty for the next push.
type GroupMutable interface {
	GroupView

	SetName(name string)
	SetDescription(desc string)
	SetExpiryTimer(d time.Duration)
	SetDeleteBefore(t time.Time)
	SetDestroyed()

	SetMember(m Member)
	EraseMember(id types.AccountID)

	// Rekey rotates the group encryption key to a new generation
	// readable by the current non-removed members. Admin only.
	Rekey() error

	// LoadAdminKey installs the group admin key from its seed, turning
	// the local view into an admin view. Used when accepting a
	// promotion.
	LoadAdminKey(seed []byte) error
}

// Store is the replicated configuration store. Implementations must be
// safe for concurrent use.
type Store interface {
	// User-level configs.
	GetGroup(id types.AccountID) (GroupRecord, bool)
	SetGroup(g GroupRecord)
	EraseGroup(id types.AccountID)
	AllGroups() []GroupRecord

	GetContact(id types.AccountID) (Contact, bool)
	SetContact(c Contact)
	SetConvoVolatile(v ConvoVolatile)
	EraseConvoVolatile(id types.AccountID)

	// Group-level configs.

	// CreateGroupConfigs initializes empty config objects for a group
	// the local user administers, with an initial key generation.
	CreateGroupConfigs(id types.AccountID, adminKey ed25519.PrivateKey) error

	// DeleteGroupConfigs drops all local config state for the group.
	DeleteGroupConfigs(id types.AccountID)

	HasGroupConfigs(id types.AccountID) bool

	// WithGroupConfigs and WithMutableGroupConfigs run fn with the
	// store's internal lock held; fn must not call back into the Store.
	WithGroupConfigs(id types.AccountID, fn func(GroupView) error) error
	WithMutableGroupConfigs(id types.AccountID, fn func(GroupMutable) error) error

	// MergeGroupConfigMessages merges retrieved config messages into
	// the group's objects. Keys merge before Info and Members so that
	// objects sealed under a fresh generation become readable within
	// the same merge. Already-merged hashes are skipped, making the
	// merge idempotent.
	MergeGroupConfigMessages(id types.AccountID, keys, info, members []types.ConfigMessage) error

	// CurrentHashes lists the swarm hashes backing the group's current
	// config state, the set whose TTL the poller keeps alive.
	CurrentHashes(id types.AccountID) []string

	// Push tracking.
	PendingPush(id types.AccountID) ([]PendingPush, error)
	ConfirmPushed(id types.AccountID, namespace types.Namespace, seq uint64, hash string)
	IsPushed(id types.AccountID) bool
	WaitForPush(ctx context.Context, id types.AccountID) error

	// SubscribeUpdates returns a channel of change events. The channel
	// is unsubscribed and drained when ctx ends. Events may be dropped
	// under backpressure; consumers treat them as wake-ups, not as a
	// complete journal.
	SubscribeUpdates(ctx context.Context) <-chan UpdateEvent
}
