package groups

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/messages"
	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/pkg/types"
)

// CreateGroup creates a new group with the local user as admin,
// uploads its initial configs, and invites the given members. The
// group exists once this returns; a non-nil error of type
// *InviteFailure means only some invites need retrying.
func (m *Manager) CreateGroup(ctx context.Context, name, description string, members []types.AccountID) (types.AccountID, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating group key: %w", err)
	}
	group := types.NewAccountID(types.PrefixGroup, pub)

	if err := m.cfg.Store.CreateGroupConfigs(group, priv); err != nil {
		return "", fmt.Errorf("creating group configs: %w", err)
	}
	now := m.cfg.Now()
	m.cfg.Store.SetGroup(config.GroupRecord{
		ID:       group,
		Name:     name,
		AdminKey: priv,
		JoinedAt: now,
	})

	added := make([]config.Member, 0, len(members))
	for _, id := range members {
		added = append(added, m.newMember(id))
	}
	err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
		mv.SetName(name)
		if description != "" {
			mv.SetDescription(description)
		}
		mv.SetMember(config.Member{
			ID:        m.cfg.Identity.Account,
			Name:      m.cfg.Identity.DisplayName,
			Admin:     true,
			Invite:    config.InviteAccepted,
			Promotion: config.PromotionAccepted,
		})
		for _, member := range added {
			mv.SetMember(member)
		}
		return mv.Rekey()
	})
	if err != nil {
		return "", fmt.Errorf("populating group configs: %w", err)
	}

	auth := swarm.Auth{Account: group, AdminKey: priv}
	if err := m.pushAndWait(ctx, group, auth); err != nil {
		// The group never became visible; roll it back entirely.
		if cleanupErr := m.deleteGroupLocally(ctx, group); cleanupErr != nil {
			m.log.Warn("failed to clean up unpushed group", "group", group, "error", cleanupErr)
		}
		return "", fmt.Errorf("uploading group configs: %w", err)
	}
	m.cfg.Store.SetConvoVolatile(config.ConvoVolatile{ID: group, CreatedAt: now})

	if len(members) > 0 {
		if err := m.InviteMembers(ctx, group, members, false); err != nil {
			return group, err
		}
	}
	return group, nil
}

// newMember builds a fresh member entry, pulling display data from the
// contact list when available. It reads the Store, so it must be called
// outside the With*GroupConfigs callbacks.
func (m *Manager) newMember(id types.AccountID) config.Member {
	member := config.Member{ID: id, Invite: config.InviteNotSent}
	if contact, ok := m.cfg.Store.GetContact(id); ok {
		member.Name = contact.Name
		member.AvatarURL = contact.AvatarURL
	}
	return member
}

// LeaveGroup leaves the group and deletes it locally. A sole admin
// leaving dissolves the group for everyone; a regular member's
// departure is finalized by an admin handling the MemberLeft message.
func (m *Manager) LeaveGroup(ctx context.Context, group types.AccountID) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		return m.leaveGroup(ctx, group)
	})
}

func (m *Manager) leaveGroup(ctx context.Context, group types.AccountID) error {
	rec, auth, err := m.groupAuth(group)
	if err != nil {
		return err
	}

	// Nothing to announce when access is already gone.
	if rec.Kicked || rec.Destroyed || rec.Invited {
		return m.deleteGroupLocally(ctx, group)
	}

	now := m.cfg.Now()
	if rec.IsAdmin() {
		sole, err := m.isSoleAdmin(group)
		if err != nil {
			return err
		}
		if sole {
			// The last admin leaving dissolves the group.
			err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
				mv.SetDestroyed()
				return nil
			})
			if err != nil {
				return err
			}
			if err := m.pushAndWait(ctx, group, auth); err != nil {
				return fmt.Errorf("publishing group destruction: %w", err)
			}
		} else {
			err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
				mv.EraseMember(m.cfg.Identity.Account)
				return mv.Rekey()
			})
			if err != nil {
				return err
			}
			if err := m.pushAndWait(ctx, group, auth); err != nil {
				return fmt.Errorf("publishing admin departure: %w", err)
			}
		}
		notify := messages.Message{
			Update: messages.GroupUpdate{MemberLeftNotification: &messages.MemberLeftNotification{}},
			SentAt: now,
		}
		if err := m.cfg.Transport.SendNonDurable(ctx, messages.GroupDestination{Group: group}, notify); err != nil {
			m.log.Debug("failed to send leave notification", "group", group, "error", err)
		}
	} else {
		// The departure must reach an admin, or the member lingers in
		// the group forever; leaving fails if it cannot be sent.
		left := messages.Message{
			Update: messages.GroupUpdate{MemberLeft: &messages.MemberLeft{}},
			SentAt: now,
		}
		if err := m.cfg.Transport.Send(ctx, messages.GroupDestination{Group: group}, left); err != nil {
			return fmt.Errorf("announcing departure: %w", err)
		}
		notify := messages.Message{
			Update: messages.GroupUpdate{MemberLeftNotification: &messages.MemberLeftNotification{}},
			SentAt: now,
		}
		if err := m.cfg.Transport.SendNonDurable(ctx, messages.GroupDestination{Group: group}, notify); err != nil {
			m.log.Debug("failed to send leave notification", "group", group, "error", err)
		}
	}

	return m.deleteGroupLocally(ctx, group)
}

func (m *Manager) isSoleAdmin(group types.AccountID) (bool, error) {
	sole := true
	err := m.cfg.Store.WithGroupConfigs(group, func(v config.GroupView) error {
		for _, member := range v.Members() {
			if member.ID == m.cfg.Identity.Account || member.IsRemoved() {
				continue
			}
			if member.Admin || member.Promotion == config.PromotionAccepted {
				sole = false
				return nil
			}
		}
		return nil
	})
	return sole, err
}

// HandleKicked processes the local user having been removed from the
// group: access credentials are dropped, polling stops via the updated
// record, and the conversation history is cleared. Idempotent.
func (m *Manager) HandleKicked(ctx context.Context, group types.AccountID) error {
	rec, ok := m.cfg.Store.GetGroup(group)
	if !ok || rec.Kicked {
		return nil
	}

	rec.Kicked = true
	rec.AdminKey = nil
	rec.AuthData = nil
	m.cfg.Store.SetGroup(rec)
	m.cfg.Store.DeleteGroupConfigs(group)

	var errs []error
	if err := m.cfg.PollState.ClearLastMessageHashes(ctx, group); err != nil {
		errs = append(errs, err)
	}
	if err := m.cfg.Local.ClearMessages(ctx, group); err != nil {
		errs = append(errs, err)
	}
	m.infoMessage(ctx, group, storage.InfoKindKicked, m.cfg.Identity.Account, "you were removed from the group")
	m.log.Info("kicked from group", "group", group)
	return errors.Join(errs...)
}

// HandleDestroyed processes the group having been dissolved by its
// admin: the record is retained (so the conversation shows as
// destroyed) but content and configs are dropped. Idempotent.
func (m *Manager) HandleDestroyed(ctx context.Context, group types.AccountID) error {
	rec, ok := m.cfg.Store.GetGroup(group)
	if !ok || rec.Destroyed {
		return nil
	}

	rec.Destroyed = true
	rec.AuthData = nil
	m.cfg.Store.SetGroup(rec)

	var errs []error
	if err := m.cfg.PollState.ClearLastMessageHashes(ctx, group); err != nil {
		errs = append(errs, err)
	}
	if err := m.cfg.Local.ClearMessages(ctx, group); err != nil {
		errs = append(errs, err)
	}
	m.log.Info("group destroyed", "group", group)
	return errors.Join(errs...)
}
