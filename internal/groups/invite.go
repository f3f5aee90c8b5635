package groups

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/messages"
	"github.com/relves/swarmsync/internal/poller"
	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/pkg/types"
)

// InviteMembers adds members to the group and sends each an invite
// message. With shareHistory the existing key material is re-wrapped
// for them, making prior messages readable; otherwise the group is
// rekeyed so they only read from now on. Partial delivery failure is
// reported as *InviteFailure after the successful invites went out.
func (m *Manager) InviteMembers(ctx context.Context, group types.AccountID, memberIDs []types.AccountID, shareHistory bool) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		return m.inviteMembers(ctx, group, memberIDs, shareHistory)
	})
}

func (m *Manager) inviteMembers(ctx context.Context, group types.AccountID, memberIDs []types.AccountID, shareHistory bool) error {
	rec, auth, err := m.adminAuth(group)
	if err != nil {
		return err
	}
	now := m.cfg.Now()

	fresh := make(map[types.AccountID]config.Member, len(memberIDs))
	for _, id := range memberIDs {
		fresh[id] = m.newMember(id)
	}

	// Flag the members as being invited. Re-invites clear any previous
	// removal, which is what allows a removed member back in.
	var supplement []byte
	err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
		for _, id := range memberIDs {
			member, ok := mv.Member(id)
			if !ok {
				member = fresh[id]
			}
			member.Removal = config.NotRemoved
			member.Invite = config.InviteSending
			member.Supplement = shareHistory
			mv.SetMember(member)
		}
		if shareHistory {
			var err error
			supplement, err = mv.SupplementFor(memberIDs)
			return err
		}
		return mv.Rekey()
	})
	if err != nil {
		return fmt.Errorf("flagging invited members: %w", err)
	}

	groupName := rec.Name
	tokens := make(map[types.AccountID][]byte, len(memberIDs))
	err = m.cfg.Store.WithGroupConfigs(group, func(v config.GroupView) error {
		if name := v.Info().Name; name != "" {
			groupName = name
		}
		for _, id := range memberIDs {
			token, err := v.SubAccountToken(id)
			if err != nil {
				return err
			}
			tokens[id] = token
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deriving member credentials: %w", err)
	}

	// Clear any standing revocations (re-invites) and, for
	// history-visible invites, publish the re-wrapped keys.
	node, err := swarm.SingleTargetNode(ctx, m.cfg.Swarm, group)
	if err != nil {
		return err
	}
	reqs := []swarm.Request{swarm.UnrevokeRequest{SubAccountTokens: tokenList(tokens, memberIDs)}}
	if supplement != nil {
		reqs = append(reqs, swarm.StoreRequest{
			Namespace: types.NamespaceGroupKeys,
			Data:      supplement,
			TTL:       poller.ConfigTTL,
			Timestamp: now,
		})
	}
	resps, err := m.cfg.Swarm.SendBatch(ctx, node, group, auth, reqs)
	if err == nil {
		for _, resp := range resps {
			if respErr := resp.Err(); respErr != nil {
				err = respErr
				break
			}
		}
	}
	if err != nil {
		// The swarm never accepted the invite prerequisites; all members
		// revert to failed so the whole invite can be retried.
		if revertErr := m.setInviteStatuses(group, memberIDs, config.InviteFailed); revertErr != nil {
			m.log.Warn("failed to revert invite statuses", "group", group, "error", revertErr)
		}
		return &InviteFailure{
			Group:     group,
			GroupName: groupName,
			MemberIDs: memberIDs,
			Err:       fmt.Errorf("preparing swarm for invites: %w", err),
		}
	}

	if err := m.pushAndWait(ctx, group, auth); err != nil {
		return err
	}

	// Deliver the invites concurrently, tracking per-member status.
	var (
		mu     sync.Mutex
		failed []types.AccountID
	)
	var g errgroup.Group
	for _, id := range memberIDs {
		g.Go(func() error {
			sendErr := m.sendInvite(ctx, rec, group, groupName, id, tokens[id], now)
			status := config.InviteSent
			if sendErr != nil {
				status = config.InviteFailed
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
				m.log.Warn("invite delivery failed", "group", group, "member", id, "error", sendErr)
			}
			return m.setInviteStatus(group, id, status)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := m.pushConfigs(ctx, group, auth); err != nil {
		m.log.Warn("failed to push invite statuses", "group", group, "error", err)
	}

	m.announceMemberChange(ctx, group, auth, messages.MembersAdded, memberIDs, shareHistory, now)
	m.infoMessage(ctx, group, storage.InfoKindInvited, m.cfg.Identity.Account,
		fmt.Sprintf("%d member(s) invited", len(memberIDs)))

	if len(failed) > 0 {
		return &InviteFailure{
			Group:     group,
			GroupName: groupName,
			MemberIDs: failed,
			Err:       errors.New("invite message delivery failed"),
		}
	}
	return nil
}

func (m *Manager) sendInvite(ctx context.Context, rec config.GroupRecord, group types.AccountID, groupName string, id types.AccountID, token []byte, ts time.Time) error {
	invite := messages.Invite{
		Group:          group,
		Name:           groupName,
		AuthData:       token,
		AdminSignature: messages.SignInvite(rec.AdminKey, group, id, ts),
	}
	msg := messages.Message{
		Update: messages.GroupUpdate{Invite: &invite},
		SentAt: ts,
	}
	return m.cfg.Transport.Send(ctx, messages.ContactDestination{To: id}, msg)
}

func (m *Manager) setInviteStatus(group, id types.AccountID, status config.InviteStatus) error {
	return m.setInviteStatuses(group, []types.AccountID{id}, status)
}

func (m *Manager) setInviteStatuses(group types.AccountID, ids []types.AccountID, status config.InviteStatus) error {
	return m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
		for _, id := range ids {
			member, ok := mv.Member(id)
			if !ok {
				continue
			}
			member.Invite = status
			mv.SetMember(member)
		}
		return nil
	})
}

func (m *Manager) announceMemberChange(ctx context.Context, group types.AccountID, auth swarm.Auth, changeType messages.MemberChangeType, memberIDs []types.AccountID, historyShared bool, ts time.Time) {
	change := messages.MemberChange{
		Type:           changeType,
		MemberIDs:      memberIDs,
		HistoryShared:  historyShared,
		AdminSignature: messages.SignMemberChange(auth.AdminKey, group, changeType, memberIDs, ts),
	}
	msg := messages.Message{
		Update: messages.GroupUpdate{MemberChange: &change},
		SentAt: ts,
	}
	if err := m.cfg.Transport.Send(ctx, messages.GroupDestination{Group: group}, msg); err != nil {
		m.log.Warn("failed to announce member change", "group", group, "type", changeType, "error", err)
	}
}

func tokenList(tokens map[types.AccountID][]byte, ids []types.AccountID) [][]byte {
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, tokens[id])
	}
	return out
}

// HandleInvite processes an incoming invite message addressed to the
// local user. When the inviter is an approved contact the invite is
// accepted immediately; otherwise it is recorded and awaits
// RespondToInvite.
func (m *Manager) HandleInvite(ctx context.Context, from types.AccountID, invite messages.Invite, sentAt time.Time, messageHash string) error {
	var joined bool
	err := m.scope.Do(ctx, invite.Group, func(ctx context.Context) error {
		var err error
		joined, err = m.handleInvite(ctx, from, invite, sentAt, messageHash)
		return err
	})
	if err != nil || !joined {
		return err
	}
	return m.completeApproval(ctx, invite.Group)
}

func (m *Manager) handleInvite(ctx context.Context, from types.AccountID, invite messages.Invite, sentAt time.Time, messageHash string) (bool, error) {
	group := invite.Group
	if err := messages.VerifyInvite(group, m.cfg.Identity.Account, sentAt, invite.AdminSignature); err != nil {
		return false, fmt.Errorf("rejecting invite to %s from %s: %w", group, from, err)
	}

	if rec, ok := m.cfg.Store.GetGroup(group); ok && !rec.Invited && !rec.Kicked {
		// Already a member; a duplicate invite is a no-op.
		return false, nil
	}

	err := m.cfg.PollState.SaveInviteRecord(ctx, storage.InviteRecord{
		Group:       group,
		Inviter:     from,
		MessageHash: messageHash,
		InvitedAt:   sentAt,
	})
	if err != nil {
		return false, fmt.Errorf("recording invite: %w", err)
	}

	m.cfg.Store.SetGroup(config.GroupRecord{
		ID:       group,
		Name:     invite.Name,
		AuthData: invite.AuthData,
		Invited:  true,
	})
	m.infoMessage(ctx, group, storage.InfoKindInvited, from, "invited you to the group")

	if contact, ok := m.cfg.Store.GetContact(from); ok && contact.Approved {
		return m.respondToInvite(ctx, group, true)
	}
	return false, nil
}

// RespondToInvite accepts or declines a pending invitation. Accepting
// starts polling the group and notifies its admins; declining erases
// the group locally.
func (m *Manager) RespondToInvite(ctx context.Context, group types.AccountID, approved bool) error {
	var joined bool
	err := m.scope.Do(ctx, group, func(ctx context.Context) error {
		var err error
		joined, err = m.respondToInvite(ctx, group, approved)
		return err
	})
	if err != nil || !joined {
		return err
	}
	return m.completeApproval(ctx, group)
}

func (m *Manager) respondToInvite(ctx context.Context, group types.AccountID, approved bool) (bool, error) {
	rec, ok := m.cfg.Store.GetGroup(group)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	if !rec.Invited {
		return false, fmt.Errorf("%w: %s", ErrNoPendingInvite, group)
	}
	now := m.cfg.Now()

	// The invitation prompt is answered either way; drop it from the
	// conversation.
	if err := m.cfg.PollState.DeleteGroupInfoMessages(ctx, group, storage.InfoKindInvited); err != nil {
		m.log.Warn("failed to delete invite prompt", "group", group, "error", err)
	}

	if !approved {
		decline := messages.Message{
			Update: messages.GroupUpdate{InviteResponse: &messages.InviteResponse{Approved: false}},
			SentAt: now,
		}
		if err := m.cfg.Transport.SendNonDurable(ctx, messages.GroupDestination{Group: group}, decline); err != nil {
			m.log.Debug("failed to send invite decline", "group", group, "error", err)
		}
		return false, m.deleteGroupLocally(ctx, group)
	}

	rec.Invited = false
	rec.JoinedAt = now
	m.cfg.Store.SetGroup(rec)
	m.cfg.Store.SetConvoVolatile(config.ConvoVolatile{ID: group, CreatedAt: now})
	if err := m.cfg.PollState.DeleteInviteRecord(ctx, group); err != nil {
		m.log.Warn("failed to delete invite record", "group", group, "error", err)
	}
	return true, nil
}

// completeApproval finishes an accepted invitation. It runs outside
// the group's operation queue: the initial poll dispatches inbound
// control messages that themselves need the queue.
func (m *Manager) completeApproval(ctx context.Context, group types.AccountID) error {
	// Fetch the group's configs eagerly so the conversation is usable
	// right away rather than after the next scheduled poll. Joining is
	// not complete until the local view of the group exists.
	if m.cfg.Pollers != nil {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ApprovalPollTimeout)
		res, err := m.cfg.Pollers.PollOnce(pctx, group)
		cancel()
		if err == nil {
			err = res.Err
		}
		if err != nil {
			return fmt.Errorf("initial poll after joining: %w", err)
		}
	}

	accept := messages.Message{
		Update: messages.GroupUpdate{InviteResponse: &messages.InviteResponse{Approved: true}},
		SentAt: m.cfg.Now(),
	}
	if err := m.cfg.Transport.Send(ctx, messages.GroupDestination{Group: group}, accept); err != nil {
		return fmt.Errorf("sending invite acceptance: %w", err)
	}
	m.infoMessage(ctx, group, storage.InfoKindInviteResponse, m.cfg.Identity.Account, "you joined the group")
	return nil
}

// HandleInviteResponse processes a member's acceptance as seen by an
// admin, marking the member accepted. Non-admins ignore it, and so are
// declines: a declining member erases the group on their own side
// rather than announcing it here.
func (m *Manager) HandleInviteResponse(ctx context.Context, group, from types.AccountID, approved bool) error {
	if !approved {
		return nil
	}
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		rec, auth, err := m.groupAuth(group)
		if err != nil {
			return err
		}
		if !rec.IsAdmin() {
			return nil
		}

		err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
			member, ok := mv.Member(from)
			if !ok {
				return nil
			}
			member.Invite = config.InviteAccepted
			mv.SetMember(member)
			return nil
		})
		if err != nil {
			return err
		}
		m.infoMessage(ctx, group, storage.InfoKindInviteResponse, from, "accepted the invitation")
		return m.pushConfigs(ctx, group, auth)
	})
}
