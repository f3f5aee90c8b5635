package groups

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/messages"
	"github.com/relves/swarmsync/internal/storage"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/pkg/types"
)

// PromoteMembers hands the group admin key to the given members. The
// key travels in a Promote message to each member's own account;
// holding the key seed is what makes them admins.
func (m *Manager) PromoteMembers(ctx context.Context, group types.AccountID, memberIDs []types.AccountID) error {
	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		return m.promoteMembers(ctx, group, memberIDs)
	})
}

func (m *Manager) promoteMembers(ctx context.Context, group types.AccountID, memberIDs []types.AccountID) error {
	rec, auth, err := m.adminAuth(group)
	if err != nil {
		return err
	}
	now := m.cfg.Now()

	groupName := rec.Name
	err = m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
		if name := mv.Info().Name; name != "" {
			groupName = name
		}
		for _, id := range memberIDs {
			member, ok := mv.Member(id)
			if !ok {
				return fmt.Errorf("groups: cannot promote non-member %s", id)
			}
			member.Promotion = config.PromotionSending
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

	seed := rec.AdminKey.Seed()
	var (
		mu     sync.Mutex
		failed []types.AccountID
	)
	var g errgroup.Group
	for _, id := range memberIDs {
		g.Go(func() error {
			msg := messages.Message{
				Update: messages.GroupUpdate{Promote: &messages.Promote{
					AdminKeySeed: seed,
					Name:         groupName,
				}},
				SentAt: now,
			}
			sendErr := m.cfg.Transport.Send(ctx, messages.ContactDestination{To: id}, msg)
			status := config.PromotionSent
			if sendErr != nil {
				status = config.PromotionFailed
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
				m.log.Warn("promotion delivery failed", "group", group, "member", id, "error", sendErr)
			}
			return m.setPromotionStatus(group, id, status)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := m.pushConfigs(ctx, group, auth); err != nil {
		m.log.Warn("failed to push promotion statuses", "group", group, "error", err)
	}

	m.announceMemberChange(ctx, group, auth, messages.MembersPromoted, memberIDs, false, now)
	m.infoMessage(ctx, group, storage.InfoKindPromoted, m.cfg.Identity.Account,
		fmt.Sprintf("%d member(s) promoted", len(memberIDs)))

	if len(failed) > 0 {
		return &InviteFailure{
			Group:     group,
			GroupName: groupName,
			MemberIDs: failed,
			Promotion: true,
			Err:       errors.New("promotion message delivery failed"),
		}
	}
	return nil
}

func (m *Manager) setPromotionStatus(group, id types.AccountID, status config.PromotionStatus) error {
	return m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
		member, ok := mv.Member(id)
		if !ok {
			return nil
		}
		member.Promotion = status
		mv.SetMember(member)
		return nil
	})
}

// HandlePromotion processes an incoming Promote message: the local
// user becomes an admin of the group by installing the key seed.
func (m *Manager) HandlePromotion(ctx context.Context, group types.AccountID, seed []byte, name string) error {
	err := m.scope.Do(ctx, group, func(ctx context.Context) error {
		return m.recordPromotion(group, seed, name)
	})
	if err != nil {
		return err
	}

	// Without local configs yet (promotion before the first poll), the
	// bootstrap poll runs outside the group's operation queue: the
	// poll's own dispatch needs the queue. Best effort; the admin key is
	// installed into the configs once they arrive either way.
	if !m.cfg.Store.HasGroupConfigs(group) && m.cfg.Pollers != nil {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ApprovalPollTimeout)
		_, err := m.cfg.Pollers.PollOnce(pctx, group)
		cancel()
		if err != nil {
			m.log.Warn("poll after promotion did not complete", "group", group, "error", err)
		}
	}

	return m.scope.Do(ctx, group, func(ctx context.Context) error {
		return m.acceptPromotion(ctx, group, seed)
	})
}

func (m *Manager) recordPromotion(group types.AccountID, seed []byte, name string) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("groups: promotion key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	if !group.MatchesPubKey(key.Public().(ed25519.PublicKey)) {
		return fmt.Errorf("groups: promotion key does not match group %s", group)
	}

	rec, ok := m.cfg.Store.GetGroup(group)
	if !ok {
		rec = config.GroupRecord{ID: group, JoinedAt: m.cfg.Now()}
	}
	rec.AdminKey = key
	rec.Invited = false
	rec.Kicked = false
	if rec.Name == "" {
		rec.Name = name
	}
	m.cfg.Store.SetGroup(rec)
	return nil
}

func (m *Manager) acceptPromotion(ctx context.Context, group types.AccountID, seed []byte) error {
	if m.cfg.Store.HasGroupConfigs(group) {
		err := m.cfg.Store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
			if err := mv.LoadAdminKey(seed); err != nil {
				return err
			}
			member, ok := mv.Member(m.cfg.Identity.Account)
			if !ok {
				member = config.Member{ID: m.cfg.Identity.Account, Name: m.cfg.Identity.DisplayName}
			}
			member.Admin = true
			member.Promotion = config.PromotionAccepted
			mv.SetMember(member)
			return nil
		})
		if err != nil {
			return fmt.Errorf("installing admin key: %w", err)
		}
		key := ed25519.NewKeyFromSeed(seed)
		adminAuth := swarm.Auth{Account: group, AdminKey: key}
		if err := m.pushConfigs(ctx, group, adminAuth); err != nil {
			m.log.Warn("failed to push promotion acceptance", "group", group, "error", err)
		}
	}

	m.infoMessage(ctx, group, storage.InfoKindPromoted, m.cfg.Identity.Account, "you were promoted to admin")
	return nil
}
