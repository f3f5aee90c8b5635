package groups

import (
	"context"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/pkg/types"
)

// Run watches config updates and applies their consequences: an admin
// device finishes removals flagged by any admin, and every member
// notices when the group has been destroyed. Blocks until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	updates := m.cfg.Store.SubscribeUpdates(ctx)

	// Sweep once on startup for consequences that accrued while not
	// running, then follow live updates.
	for _, rec := range m.cfg.Store.AllGroups() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.onGroupConfigsChanged(ctx, rec.ID)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			if ev.Kind != config.GroupConfigsChanged {
				continue
			}
			m.onGroupConfigsChanged(ctx, ev.Group)
		}
	}
}

func (m *Manager) onGroupConfigsChanged(ctx context.Context, group types.AccountID) {
	rec, ok := m.cfg.Store.GetGroup(group)
	if !ok || !m.cfg.Store.HasGroupConfigs(group) {
		return
	}

	var (
		destroyed      bool
		pendingRemoval bool
	)
	err := m.cfg.Store.WithGroupConfigs(group, func(v config.GroupView) error {
		destroyed = v.Info().Destroyed
		for _, member := range v.Members() {
			if member.IsRemoved() {
				pendingRemoval = true
				break
			}
		}
		return nil
	})
	if err != nil {
		m.log.Warn("failed to inspect group configs", "group", group, "error", err)
		return
	}

	if destroyed && !rec.IsAdmin() {
		if err := m.HandleDestroyed(ctx, group); err != nil {
			m.log.Warn("failed to process group destruction", "group", group, "error", err)
		}
		return
	}
	if pendingRemoval && rec.IsAdmin() {
		if err := m.ProcessPendingRemovals(ctx, group); err != nil {
			m.log.Warn("failed to process pending removals", "group", group, "error", err)
		}
	}
}
