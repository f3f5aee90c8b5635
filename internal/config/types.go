package config

import (
	"crypto/ed25519"
	"time"

	"github.com/relves/swarmsync/pkg/types"
)

// GroupRecord is the user's own bookkeeping for one group, held in the
// user-level replicated config (not in the group's own config).
type GroupRecord struct {
	ID types.AccountID

	// Name caches the group's display name so it survives loss of
	// access to the group config (e.g. after being kicked).
	Name string

	// AdminKey is the secret group signing key. Present only while
	// the local user holds admin authority.
	AdminKey ed25519.PrivateKey

	// AuthData is the sub-account credential authorizing swarm reads
	// as a regular member.
	AuthData []byte

	Invited   bool
	Kicked    bool
	Destroyed bool
	JoinedAt  time.Time
}

// IsAdmin reports whether the local user holds the group's admin key.
func (g GroupRecord) IsAdmin() bool {
	return len(g.AdminKey) > 0
}

// ShouldPoll is the inclusion predicate for the poller manager's
// should-poll set: pending invitations, kicked and destroyed groups
// are not polled.
func (g GroupRecord) ShouldPoll() bool {
	return !g.Invited && !g.Kicked && !g.Destroyed
}

// Info is a group's replicated metadata object.
type Info struct {
	Name        string
	Description string

	// ExpiryTimer is the disappearing-message policy; zero disables.
	ExpiryTimer time.Duration

	// DeleteBefore instructs members to drop messages older than the
	// cutoff.
	DeleteBefore time.Time

	// Destroyed marks the group as permanently dissolved.
	Destroyed bool
}

// InviteStatus tracks the invite state machine of one member.
type InviteStatus int

const (
	InviteNotSent InviteStatus = iota
	InviteSending
	InviteSent
	InviteFailed
	InviteAccepted
)

// PromotionStatus tracks the promotion state machine of one member.
type PromotionStatus int

const (
	PromotionNotSent PromotionStatus = iota
	PromotionSending
	PromotionSent
	PromotionFailed
	PromotionAccepted
)

// RemovalStatus is orthogonal to the invite/promotion tracks and is
// monotonic: once set, only an explicit re-invite clears it.
type RemovalStatus int

const (
	NotRemoved RemovalStatus = iota
	Removed
	RemovedIncludingMessages
	RemovedUnknown
)

// Member is one entry of a group's replicated Members object.
type Member struct {
	ID        types.AccountID
	Name      string
	AvatarURL string
	Admin     bool

	Invite    InviteStatus
	Promotion PromotionStatus
	Removal   RemovalStatus

	// Supplement records that existing key material was shared with
	// the member at invite time (message history visible).
	Supplement bool
}

// IsRemoved reports whether the member is flagged for removal.
func (m Member) IsRemoved() bool {
	return m.Removal != NotRemoved
}

// ShouldRemoveMessages reports whether the member's messages are to be
// deleted along with the membership.
func (m Member) ShouldRemoveMessages() bool {
	return m.Removal == RemovedIncludingMessages
}

// Contact is a user-level contact entry, consulted when populating
// member display data.
type Contact struct {
	ID        types.AccountID
	Name      string
	AvatarURL string
	Approved  bool
}

// ConvoVolatile is the per-conversation volatile state entry kept in
// the user's own config.
type ConvoVolatile struct {
	ID        types.AccountID
	CreatedAt time.Time
	Unread    bool
}
