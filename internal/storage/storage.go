// Package storage defines the local persistence consumed by the
// pollers: per-node retrieval cursors, received-message dedupe, and
// bookkeeping for invites and conversation control messages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/relves/swarmsync/pkg/types"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// InviteRecord remembers a pending group invitation until the user
// responds to it.
type InviteRecord struct {
	Group       types.AccountID
	Inviter     types.AccountID
	MessageHash string
	InvitedAt   time.Time
}

// InfoMessageKind classifies conversation control messages.
type InfoMessageKind int

const (
	InfoKindInvited InfoMessageKind = iota + 1
	InfoKindInviteResponse
	InfoKindMemberChange
	InfoKindMemberLeft
	InfoKindNameChange
	InfoKindExpiryChange
	InfoKindPromoted
	InfoKindKicked
)

// GroupInfoMessage is one control message rendered into a group
// conversation, e.g. "alice was invited".
type GroupInfoMessage struct {
	Group  types.AccountID
	Kind   InfoMessageKind
	Sender types.AccountID
	Body   string
	SentAt time.Time
}

// PollStateStore abstracts the pollers' persistence. All methods are
// safe for concurrent use.
type PollStateStore interface {
	// Retrieval cursors, keyed by (node, account, namespace). An empty
	// hash means no messages have been retrieved yet.
	LastMessageHash(ctx context.Context, nodePubKey string, account types.AccountID, ns types.Namespace) (string, error)
	SetLastMessageHash(ctx context.Context, nodePubKey string, account types.AccountID, ns types.Namespace, hash string) error
	ClearLastMessageHashes(ctx context.Context, account types.AccountID) error

	// MarkMessagesReceived records the hashes and returns the subset
	// not seen before, in input order.
	MarkMessagesReceived(ctx context.Context, account types.AccountID, hashes []string) ([]string, error)
	ClearReceivedHashes(ctx context.Context, account types.AccountID) error

	// Pending invitations.
	SaveInviteRecord(ctx context.Context, rec InviteRecord) error
	GetInviteRecord(ctx context.Context, group types.AccountID) (InviteRecord, error)
	DeleteInviteRecord(ctx context.Context, group types.AccountID) error

	// Conversation control messages.
	InsertGroupInfoMessage(ctx context.Context, msg GroupInfoMessage) error
	GroupInfoMessages(ctx context.Context, group types.AccountID) ([]GroupInfoMessage, error)
	DeleteGroupInfoMessages(ctx context.Context, group types.AccountID, kind InfoMessageKind) error
}
