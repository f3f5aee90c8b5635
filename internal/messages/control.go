package messages

import (
	"time"

	"github.com/relves/swarmsync/pkg/types"
)

// MemberChangeType enumerates the membership changes announced to a
// group conversation.
type MemberChangeType int

const (
	MembersAdded MemberChangeType = iota + 1
	MembersRemoved
	MembersPromoted
)

// InfoChangeType enumerates the group metadata changes announced to a
// group conversation.
type InfoChangeType int

const (
	InfoChangeName InfoChangeType = iota + 1
	InfoChangeAvatar
	InfoChangeExpiry
)

// Invite asks a contact to join a group. Sent to the invitee's own
// account, carrying everything needed to start polling the group.
type Invite struct {
	Group          types.AccountID `cbor:"1,keyasint"`
	Name           string          `cbor:"2,keyasint"`
	AuthData       []byte          `cbor:"3,keyasint"`
	AdminSignature []byte          `cbor:"4,keyasint"`
}

// InviteResponse tells the group's admins whether an invitee accepted.
type InviteResponse struct {
	Approved bool `cbor:"1,keyasint"`
}

// Promote hands a member the group admin key. Sent to the member's own
// account.
type Promote struct {
	AdminKeySeed []byte `cbor:"1,keyasint"`
	Name         string `cbor:"2,keyasint"`
}

// MemberChange announces members being added, removed or promoted.
type MemberChange struct {
	Type           MemberChangeType  `cbor:"1,keyasint"`
	MemberIDs      []types.AccountID `cbor:"2,keyasint"`
	HistoryShared  bool              `cbor:"3,keyasint,omitempty"`
	AdminSignature []byte            `cbor:"4,keyasint"`
}

// InfoChange announces a group metadata change.
type InfoChange struct {
	Type           InfoChangeType `cbor:"1,keyasint"`
	Name           string         `cbor:"2,keyasint,omitempty"`
	ExpiryTimer    time.Duration  `cbor:"3,keyasint,omitempty"`
	AdminSignature []byte         `cbor:"4,keyasint"`
}

// MemberLeft tells the group's admins the sender is leaving; an admin
// finalizes the removal.
type MemberLeft struct{}

// MemberLeftNotification is rendered into the conversation for the
// remaining members.
type MemberLeftNotification struct{}

// DeleteMemberContent instructs members to drop messages authored by
// the named members or matching the named hashes.
type DeleteMemberContent struct {
	MemberIDs      []types.AccountID `cbor:"1,keyasint,omitempty"`
	MessageHashes  []string          `cbor:"2,keyasint,omitempty"`
	AdminSignature []byte            `cbor:"3,keyasint,omitempty"`
}

// GroupUpdate is the sum of all group control messages; exactly one
// field is set.
type GroupUpdate struct {
	Invite                 *Invite                 `cbor:"1,keyasint,omitempty"`
	InviteResponse         *InviteResponse         `cbor:"2,keyasint,omitempty"`
	Promote                *Promote                `cbor:"3,keyasint,omitempty"`
	MemberChange           *MemberChange           `cbor:"4,keyasint,omitempty"`
	InfoChange             *InfoChange             `cbor:"5,keyasint,omitempty"`
	MemberLeft             *MemberLeft             `cbor:"6,keyasint,omitempty"`
	MemberLeftNotification *MemberLeftNotification `cbor:"7,keyasint,omitempty"`
	DeleteMemberContent    *DeleteMemberContent    `cbor:"8,keyasint,omitempty"`
}

// Message is one control message together with its claimed send time.
type Message struct {
	Update GroupUpdate `cbor:"1,keyasint"`
	SentAt time.Time   `cbor:"2,keyasint"`
}
