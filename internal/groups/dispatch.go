package groups

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/messages"
	"github.com/relves/swarmsync/internal/poller"
	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/pkg/types"
)

// DispatchGroupMessages routes the control messages of a poll batch to
// their handlers. Messages that do not decode as group updates belong
// to the chat layer and are ignored here. One bad message does not
// stop the rest of the batch.
func (m *Manager) DispatchGroupMessages(ctx context.Context, group types.AccountID, batch []poller.DecryptedMessage) error {
	var errs []error
	for _, dm := range batch {
		var msg messages.Message
		if err := messages.Unmarshal(dm.Plaintext, &msg); err != nil {
			continue
		}
		if err := m.dispatchGroupMessage(ctx, group, dm.Sender, msg); err != nil {
			m.log.Warn("group control message failed",
				"group", group, "sender", dm.Sender, "hash", dm.Hash, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) dispatchGroupMessage(ctx context.Context, group, from types.AccountID, msg messages.Message) error {
	u := msg.Update
	switch {
	case u.InviteResponse != nil:
		return m.HandleInviteResponse(ctx, group, from, u.InviteResponse.Approved)
	case u.MemberChange != nil:
		return m.handleMemberChange(ctx, group, from, *u.MemberChange, msg.SentAt)
	case u.InfoChange != nil:
		return m.handleInfoChange(ctx, group, from, *u.InfoChange, msg.SentAt)
	case u.MemberLeft != nil:
		return m.HandleMemberLeft(ctx, group, from)
	case u.MemberLeftNotification != nil:
		m.infoMessage(ctx, group, storage.InfoKindMemberLeft, from, "left the group")
		return nil
	case u.DeleteMemberContent != nil:
		return m.HandleDeleteMemberContent(ctx, group, from, *u.DeleteMemberContent, msg.SentAt)
	case u.Invite != nil, u.Promote != nil:
		// Invites and promotions travel to a member's own account, not
		// through the group.
		return fmt.Errorf("groups: invite or promotion sent through group stream for %s", group)
	default:
		return nil
	}
}

// HandleDirectMessage routes a group control message received on the
// local user's own account: invites, promotions, and the odd stray
// update a client addressed directly.
func (m *Manager) HandleDirectMessage(ctx context.Context, from types.AccountID, msg messages.Message, messageHash string) error {
	u := msg.Update
	switch {
	case u.Invite != nil:
		return m.HandleInvite(ctx, from, *u.Invite, msg.SentAt, messageHash)
	case u.Promote != nil:
		// The group's identity is the public half of the admin key.
		seed := u.Promote.AdminKeySeed
		if len(seed) != ed25519.SeedSize {
			return fmt.Errorf("groups: promotion key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		key := ed25519.NewKeyFromSeed(seed)
		group := types.NewAccountID(types.PrefixGroup, key.Public().(ed25519.PublicKey))
		return m.HandlePromotion(ctx, group, seed, u.Promote.Name)
	default:
		return nil
	}
}

// HandleMemberLeft processes a member's leave announcement as seen by
// an admin: the member is removed and the group rekeyed. Non-admins
// only see the separate notification message.
func (m *Manager) HandleMemberLeft(ctx context.Context, group, from types.AccountID) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		rec, _, err := m.groupAuth(group)
		if err != nil {
			return err
		}
		if !rec.IsAdmin() {
			return nil
		}

		err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
			member, ok := mv.Member(from)
			if !ok || member.IsRemoved() {
				return nil
			}
			member.Removal = config.Removed
			mv.SetMember(member)
			return nil
		})
		if err != nil {
			return err
		}
		m.infoMessage(ctx, group, storage.InfoKindMemberLeft, from, "left the group")
		return m.processPendingRemovals(ctx, group)
	})
}

func (m *Manager) handleMemberChange(ctx context.Context, group, from types.AccountID, change messages.MemberChange, sentAt time.Time) error {
	if err := messages.VerifyMemberChange(group, change.Type, change.MemberIDs, sentAt, change.AdminSignature); err != nil {
		return fmt.Errorf("rejecting member change for %s: %w", group, err)
	}

	kind := storage.InfoKindMemberChange
	body := fmt.Sprintf("%d member(s) added", len(change.MemberIDs))
	switch change.Type {
	case messages.MembersRemoved:
		body = fmt.Sprintf("%d member(s) removed", len(change.MemberIDs))
	case messages.MembersPromoted:
		kind = storage.InfoKindPromoted
		body = fmt.Sprintf("%d member(s) promoted", len(change.MemberIDs))
	}
	m.infoMessage(ctx, group, kind, from, body)
	return nil
}

func (m *Manager) handleInfoChange(ctx context.Context, group, from types.AccountID, change messages.InfoChange, sentAt time.Time) error {
	if err := messages.VerifyInfoChange(group, change.Type, sentAt, change.AdminSignature); err != nil {
		return fmt.Errorf("rejecting info change for %s: %w", group, err)
	}

	switch change.Type {
	case messages.InfoChangeName:
		m.infoMessage(ctx, group, storage.InfoKindNameChange, from,
			fmt.Sprintf("group renamed to %q", change.Name))
	case messages.InfoChangeExpiry:
		m.infoMessage(ctx, group, storage.InfoKindExpiryChange, from,
			fmt.Sprintf("disappearing messages set to %s", change.ExpiryTimer))
	}
	return nil
}
