package messages

import (
	"crypto/ed25519"
	"errors"
	"strconv"
	"time"

	"github.com/relves/swarmsync/pkg/types"
)

// ErrBadSignature is returned when an admin signature does not verify
// against the group's public key.
var ErrBadSignature = errors.New("messages: bad admin signature")

// Signature domains keep the different admin-signed statements from
// being replayable as one another.
const (
	sigDomainInvite              = "groups.invite"
	sigDomainMemberChangeAdd     = "groups.members.added"
	sigDomainMemberChangeRemove  = "groups.members.removed"
	sigDomainMemberChangePromote = "groups.members.promoted"
	sigDomainInfoChange          = "groups.info-change"
	sigDomainDeleteContent       = "groups.delete-content"
)

func memberChangeDomain(t MemberChangeType) string {
	switch t {
	case MembersAdded:
		return sigDomainMemberChangeAdd
	case MembersRemoved:
		return sigDomainMemberChangeRemove
	default:
		return sigDomainMemberChangePromote
	}
}

func signingBytes(domain string, group types.AccountID, ts time.Time, parts ...string) []byte {
	out := make([]byte, 0, 64)
	out = append(out, domain...)
	out = append(out, group...)
	out = strconv.AppendInt(out, ts.UnixMilli(), 10)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func accountStrings(ids []types.AccountID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// SignInvite produces the admin signature carried by an invite to the
// given member.
func SignInvite(adminKey ed25519.PrivateKey, group, invitee types.AccountID, ts time.Time) []byte {
	return ed25519.Sign(adminKey, signingBytes(sigDomainInvite, group, ts, string(invitee)))
}

// VerifyInvite checks an invite signature against the group identity.
func VerifyInvite(group, invitee types.AccountID, ts time.Time, sig []byte) error {
	if !ed25519.Verify(group.PubKey(), signingBytes(sigDomainInvite, group, ts, string(invitee)), sig) {
		return ErrBadSignature
	}
	return nil
}

// SignMemberChange produces the admin signature of a MemberChange.
func SignMemberChange(adminKey ed25519.PrivateKey, group types.AccountID, t MemberChangeType, members []types.AccountID, ts time.Time) []byte {
	return ed25519.Sign(adminKey, signingBytes(memberChangeDomain(t), group, ts, accountStrings(members)...))
}

// VerifyMemberChange checks a MemberChange signature.
func VerifyMemberChange(group types.AccountID, t MemberChangeType, members []types.AccountID, ts time.Time, sig []byte) error {
	if !ed25519.Verify(group.PubKey(), signingBytes(memberChangeDomain(t), group, ts, accountStrings(members)...), sig) {
		return ErrBadSignature
	}
	return nil
}

// SignInfoChange produces the admin signature of an InfoChange.
func SignInfoChange(adminKey ed25519.PrivateKey, group types.AccountID, t InfoChangeType, ts time.Time) []byte {
	return ed25519.Sign(adminKey, signingBytes(sigDomainInfoChange, group, ts, strconv.Itoa(int(t))))
}

// VerifyInfoChange checks an InfoChange signature.
func VerifyInfoChange(group types.AccountID, t InfoChangeType, ts time.Time, sig []byte) error {
	if !ed25519.Verify(group.PubKey(), signingBytes(sigDomainInfoChange, group, ts, strconv.Itoa(int(t))), sig) {
		return ErrBadSignature
	}
	return nil
}

// SignDeleteMemberContent produces the admin signature of a
// DeleteMemberContent message.
func SignDeleteMemberContent(adminKey ed25519.PrivateKey, group types.AccountID, members []types.AccountID, hashes []string, ts time.Time) []byte {
	parts := append(accountStrings(members), hashes...)
	return ed25519.Sign(adminKey, signingBytes(sigDomainDeleteContent, group, ts, parts...))
}

// VerifyDeleteMemberContent checks a DeleteMemberContent signature.
func VerifyDeleteMemberContent(group types.AccountID, members []types.AccountID, hashes []string, ts time.Time, sig []byte) error {
	parts := append(accountStrings(members), hashes...)
	if !ed25519.Verify(group.PubKey(), signingBytes(sigDomainDeleteContent, group, ts, parts...), sig) {
		return ErrBadSignature
	}
	return nil
}
