package groups

import (
	"context"
	"fmt"
	"time"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/messages"
	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/pkg/types"
)

// SetName renames the group. Admin only.
func (m *Manager) SetName(ctx context.Context, group types.AccountID, name string) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		rec, auth, err := m.adminAuth(group)
		if err != nil {
			return err
		}
		err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
			mv.SetName(name)
			return nil
		})
		if err != nil {
			return err
		}
		rec.Name = name
		m.cfg.Store.SetGroup(rec)
		if err := m.pushAndWait(ctx, group, auth); err != nil {
			return err
		}

		now := m.cfg.Now()
		m.announceInfoChange(ctx, group, auth, messages.InfoChange{
			Type: messages.InfoChangeName,
			Name: name,
		}, now)
		// A newer rename supersedes any earlier one still shown in the
		// conversation.
		if err := m.cfg.PollState.DeleteGroupInfoMessages(ctx, group, storage.InfoKindNameChange); err != nil {
			m.log.Warn("failed to supersede rename message", "group", group, "error", err)
		}
		m.infoMessage(ctx, group, storage.InfoKindNameChange, m.cfg.Identity.Account,
			fmt.Sprintf("group renamed to %q", name))
		return nil
	})
}

// SetDescription updates the group description. Admin only. The
// description is config-only state; no conversation message announces
// it.
func (m *Manager) SetDescription(ctx context.Context, group types.AccountID, description string) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		_, auth, err := m.adminAuth(group)
		if err != nil {
			return err
		}
		err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
			mv.SetDescription(description)
			return nil
		})
		if err != nil {
			return err
		}
		return m.pushAndWait(ctx, group, auth)
	})
}

// SetExpiryTimer sets the disappearing-message timer for the group.
// Zero disables it. Admin only.
func (m *Manager) SetExpiryTimer(ctx context.Context, group types.AccountID, timer time.Duration) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		_, auth, err := m.adminAuth(group)
		if err != nil {
			return err
		}
		err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
			mv.SetExpiryTimer(timer)
			return nil
		})
		if err != nil {
			return err
		}
		if err := m.pushAndWait(ctx, group, auth); err != nil {
			return err
		}

		now := m.cfg.Now()
		m.announceInfoChange(ctx, group, auth, messages.InfoChange{
			Type:        messages.InfoChangeExpiry,
			ExpiryTimer: timer,
		}, now)
		// Only the latest timer setting stays in the conversation.
		if err := m.cfg.PollState.DeleteGroupInfoMessages(ctx, group, storage.InfoKindExpiryChange); err != nil {
			m.log.Warn("failed to supersede timer message", "group", group, "error", err)
		}
		m.infoMessage(ctx, group, storage.InfoKindExpiryChange, m.cfg.Identity.Account,
			fmt.Sprintf("disappearing messages set to %s", timer))
		return nil
	})
}

// DeleteMessagesBefore marks everything sent before the cutoff as
// deleted for all members, via the shared config rather than a
// conversation message. Admin only.
func (m *Manager) DeleteMessagesBefore(ctx context.Context, group types.AccountID, cutoff time.Time) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		_, auth, err := m.adminAuth(group)
		if err != nil {
			return err
		}
		err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
			mv.SetDeleteBefore(cutoff)
			return nil
		})
		if err != nil {
			return err
		}
		return m.pushAndWait(ctx, group, auth)
	})
}

// DeleteMemberContent deletes specific messages, or everything authored
// by specific members, for the whole group. Admin only; members delete
// their own content through the chat layer.
func (m *Manager) DeleteMemberContent(ctx context.Context, group types.AccountID, memberIDs []types.AccountID, hashes []string) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		_, auth, err := m.adminAuth(group)
		if err != nil {
			return err
		}
		now := m.cfg.Now()

		dmc := messages.DeleteMemberContent{
			MemberIDs:      memberIDs,
			MessageHashes:  hashes,
			AdminSignature: messages.SignDeleteMemberContent(auth.AdminKey, group, memberIDs, hashes, now),
		}
		msg := messages.Message{
			Update: messages.GroupUpdate{DeleteMemberContent: &dmc},
			SentAt: now,
		}
		if err := m.cfg.Transport.Send(ctx, messages.GroupDestination{Group: group}, msg); err != nil {
			return fmt.Errorf("announcing content deletion: %w", err)
		}

		// Apply locally through the same path remote members use.
		return m.HandleDeleteMemberContent(ctx, group, m.cfg.Identity.Account, dmc, now)
	})
}

func (m *Manager) announceInfoChange(ctx context.Context, group types.AccountID, auth swarm.Auth, change messages.InfoChange, ts time.Time) {
	change.AdminSignature = messages.SignInfoChange(auth.AdminKey, group, change.Type, ts)
	msg := messages.Message{
		Update: messages.GroupUpdate{InfoChange: &change},
		SentAt: ts,
	}
	if err := m.cfg.Transport.Send(ctx, messages.GroupDestination{Group: group}, msg); err != nil {
		m.log.Warn("failed to announce info change", "group", group, "type", change.Type, "error", err)
	}
}
