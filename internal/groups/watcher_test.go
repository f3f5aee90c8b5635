package groups_test

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/swarm/swarmtest"
	"github.com/relves/swarmsync/pkg/types"
)

func TestWatcherFinishesFlaggedRemovals(t *testing.T) {
	sw := swarmtest.New(3)
	admin := newEnv(t, sw, "Alice")
	member := newEnv(t, sw, "Bob")

	group, err := admin.mgr.CreateGroup(context.Background(), "friends", "", []types.AccountID{member.account})
	require.NoError(t, err)
	token := admin.memberToken(t, group, member.account)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go admin.mgr.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Another admin device flags the member; this device notices the
	// config change and carries out the removal.
	require.NoError(t, admin.store.WithMutableGroupConfigs(group, func(mv config.GroupMutable) error {
		m, ok := mv.Member(member.account)
		require.True(t, ok)
		m.Removal = config.Removed
		mv.SetMember(m)
		return nil
	}))

	require.Eventually(t, func() bool {
		var gone bool
		err := admin.store.WithGroupConfigs(group, func(v config.GroupView) error {
			_, ok := v.Member(member.account)
			gone = !ok
			return nil
		})
		return err == nil && gone
	}, 5*time.Second, 10*time.Millisecond, "the flagged member must be removed")
	assert.Contains(t, sw.RevokedTokens(group), hex.EncodeToString(token))
}

func TestWatcherNoticesGroupDestruction(t *testing.T) {
	sw := swarmtest.New(3)
	admin := newEnv(t, sw, "Alice")
	member := newEnv(t, sw, "Bob")

	group, err := admin.mgr.CreateGroup(context.Background(), "friends", "", nil)
	require.NoError(t, err)
	require.NoError(t, admin.mgr.InviteMembers(context.Background(), group, []types.AccountID{member.account}, false))

	member.store.SetGroup(config.GroupRecord{ID: group, AuthData: []byte("token")})
	mergeConfigsFromSwarm(t, sw, member.store, group)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go member.mgr.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, admin.mgr.LeaveGroup(context.Background(), group))
	mergeConfigsFromSwarm(t, sw, member.store, group)

	require.Eventually(t, func() bool {
		rec, ok := member.store.GetGroup(group)
		return ok && rec.Destroyed
	}, 5*time.Second, 10*time.Millisecond, "destruction must be applied on the member side")
	assert.False(t, func() bool { rec, _ := member.store.GetGroup(group); return rec.ShouldPoll() }())
}
