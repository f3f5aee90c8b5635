package groups

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/messages"
	"github.com/relves/swarmsync/internal/poller"
	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/pkg/types"
)

// RemoveMembers removes members from the group: their credentials are
// revoked, a kick notification is published, the group is rekeyed, and
// optionally their messages are deleted everywhere.
func (m *Manager) RemoveMembers(ctx context.Context, group types.AccountID, memberIDs []types.AccountID, removeMessages bool) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		_, auth, err := m.adminAuth(group)
		if err != nil {
			return err
		}

		// Flag first: if anything below fails, the flags survive and
		// the removal is finished on the next config change.
		removal := config.Removed
		if removeMessages {
			removal = config.RemovedIncludingMessages
		}
		err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
			for _, id := range memberIDs {
				member, ok := mv.Member(id)
				if !ok {
					continue
				}
				member.Removal = removal
				mv.SetMember(member)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := m.pushAndWait(ctx, group, auth); err != nil {
			return err
		}

		if err := m.processPendingRemovals(ctx, group); err != nil {
			return err
		}

		now := m.cfg.Now()
		m.announceMemberChange(ctx, group, auth, messages.MembersRemoved, memberIDs, false, now)
		m.infoMessage(ctx, group, storage.InfoKindMemberChange, m.cfg.Identity.Account,
			fmt.Sprintf("%d member(s) removed", len(memberIDs)))
		return nil
	})
}

// ProcessPendingRemovals finishes any removals flagged in the group's
// member list. Safe to call repeatedly; used both directly after
// RemoveMembers and by the background watcher to pick up flags set by
// other admin devices.
func (m *Manager) ProcessPendingRemovals(ctx context.Context, group types.AccountID) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		return m.processPendingRemovals(ctx, group)
	})
}

func (m *Manager) processPendingRemovals(ctx context.Context, group types.AccountID) error {
	rec, auth, err := m.groupAuth(group)
	if err != nil {
		return err
	}
	if !rec.IsAdmin() {
		// Only admins can finish removals.
		return nil
	}

	var (
		pending    []config.Member
		tokens     [][]byte
		generation int
	)
	err = m.cfg.Store.WithGroupConfigs(group, func(v config.GroupView) error {
		generation = v.KeyGeneration()
		for _, member := range v.Members() {
			if !member.IsRemoved() {
				continue
			}
			token, err := v.SubAccountToken(member.ID)
			if err != nil {
				return err
			}
			pending = append(pending, member)
			tokens = append(tokens, token)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("collecting pending removals: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]types.AccountID, len(pending))
	payloads := make([][]byte, len(pending))
	var purgeMessages []types.AccountID
	for i, member := range pending {
		ids[i] = member.ID
		payloads[i] = messages.KickedPlaintext(member.ID, generation)
		if member.ShouldRemoveMessages() {
			purgeMessages = append(purgeMessages, member.ID)
		}
	}
	kickBlob, err := m.cfg.Cipher.SealForRecipients(messages.KickedDomain, group, payloads, ids)
	if err != nil {
		return fmt.Errorf("sealing kick notification: %w", err)
	}

	// Revocation and the kick notification go out as a sequence: a
	// revoked credential without a kick notice would leave the member
	// silently failing to poll.
	node, err := swarm.SingleTargetNode(ctx, m.cfg.Swarm, group)
	if err != nil {
		return err
	}
	reqs := []swarm.Request{
		swarm.RevokeRequest{SubAccountTokens: tokens},
		swarm.StoreRequest{
			Namespace: types.NamespaceRevokedMessages,
			Data:      kickBlob,
			TTL:       poller.ConfigTTL,
			Timestamp: m.cfg.Now(),
		},
	}
	resps, err := m.cfg.Swarm.SendSequence(ctx, node, group, auth, reqs)
	if err != nil {
		return fmt.Errorf("revoking members: %w", err)
	}
	for _, resp := range resps {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("revoking members: %w", err)
		}
	}

	// Only now are the flags consumed: erase the members and rotate
	// the key away from them.
	err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
		for _, id := range ids {
			mv.EraseMember(id)
		}
		return mv.Rekey()
	})
	if err != nil {
		return fmt.Errorf("erasing removed members: %w", err)
	}
	if err := m.pushAndWait(ctx, group, auth); err != nil {
		return err
	}

	if len(purgeMessages) > 0 {
		if err := m.purgeMemberContent(ctx, group, auth, purgeMessages); err != nil {
			m.log.Warn("failed to purge removed members' messages", "group", group, "error", err)
		}
	}
	m.log.Info("removed members from group", "group", group, "members", len(ids))
	return nil
}

// purgeMemberContent deletes the given members' messages locally, on
// the swarm, and instructs remaining members to do the same.
func (m *Manager) purgeMemberContent(ctx context.Context, group types.AccountID, auth swarm.Auth, memberIDs []types.AccountID) error {
	var errs []error

	hashes, err := m.cfg.Local.MessageHashesFrom(ctx, group, memberIDs)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing member messages: %w", err))
	} else if err := swarm.DeleteMessages(ctx, m.cfg.Swarm, group, auth, hashes); err != nil {
		errs = append(errs, err)
	}
	if err := m.cfg.Local.DeleteMessagesFrom(ctx, group, memberIDs); err != nil {
		errs = append(errs, fmt.Errorf("deleting member messages locally: %w", err))
	}

	now := m.cfg.Now()
	dmc := messages.DeleteMemberContent{
		MemberIDs:      memberIDs,
		AdminSignature: messages.SignDeleteMemberContent(auth.AdminKey, group, memberIDs, nil, now),
	}
	msg := messages.Message{
		Update: messages.GroupUpdate{DeleteMemberContent: &dmc},
		SentAt: now,
	}
	if err := m.cfg.Transport.Send(ctx, messages.GroupDestination{Group: group}, msg); err != nil {
		errs = append(errs, fmt.Errorf("announcing content deletion: %w", err))
	}
	return errors.Join(errs...)
}

// HandleDeleteMemberContent processes an incoming deletion
// instruction. Admin-signed instructions delete anything they name; an
// unsigned instruction only lets a sender delete their own content.
func (m *Manager) HandleDeleteMemberContent(ctx context.Context, group, from types.AccountID, dmc messages.DeleteMemberContent, sentAt time.Time) error {
	memberIDs := dmc.MemberIDs
	hashes := dmc.MessageHashes

	if len(dmc.AdminSignature) > 0 {
		if err := messages.VerifyDeleteMemberContent(group, memberIDs, hashes, sentAt, dmc.AdminSignature); err != nil {
			return fmt.Errorf("rejecting content deletion for %s: %w", group, err)
		}
	} else {
		// Without an admin signature a member only speaks for itself.
		for _, id := range memberIDs {
			if id != from {
				return fmt.Errorf("groups: unsigned deletion for %s names other members", group)
			}
		}
		if len(hashes) > 0 {
			own, err := m.cfg.Local.MessageHashesFrom(ctx, group, []types.AccountID{from})
			if err != nil {
				return fmt.Errorf("verifying message ownership: %w", err)
			}
			ownSet := make(map[string]struct{}, len(own))
			for _, h := range own {
				ownSet[h] = struct{}{}
			}
			kept := hashes[:0]
			for _, h := range hashes {
				if _, ok := ownSet[h]; ok {
					kept = append(kept, h)
				}
			}
			hashes = kept
		}
	}

	var errs []error
	if len(memberIDs) > 0 {
		if err := m.cfg.Local.DeleteMessagesFrom(ctx, group, memberIDs); err != nil {
			errs = append(errs, err)
		}
	}
	if len(hashes) > 0 {
		if err := m.cfg.Local.DeleteMessagesByHash(ctx, group, hashes); err != nil {
			errs = append(errs, err)
		}
	}

	// An admin seeing the instruction also scrubs the swarm copies.
	if rec, ok := m.cfg.Store.GetGroup(group); ok && rec.IsAdmin() {
		auth := swarm.Auth{Account: group, AdminKey: rec.AdminKey}
		swarmHashes := hashes
		if len(memberIDs) > 0 {
			if fromMembers, err := m.cfg.Local.MessageHashesFrom(ctx, group, memberIDs); err == nil {
				swarmHashes = append(swarmHashes, fromMembers...)
			}
		}
		if err := swarm.DeleteMessages(ctx, m.cfg.Swarm, group, auth, swarmHashes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
