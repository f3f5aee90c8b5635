package groups

import (
	"bytes"
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relves/swarmsync/internal/config"
	"github.com/relves/swarmsync/internal/messages"
	"github.com/relves/swarmsync/internal/swarm"
	"github.com/relves/swarmsync/pkg/types"
)

const revokedCacheSize = 512

// RevokedMessageHandler consumes the revoked-message stream of polled
// groups and turns kick notifications addressed to the local user into
// HandleKicked calls.
type RevokedMessageHandler struct {
	manager *Manager
	seen    *lru.Cache[string, struct{}]
}

// NewRevokedMessageHandler builds a handler bound to the manager's
// identity and cipher.
func NewRevokedMessageHandler(m *Manager) *RevokedMessageHandler {
	seen, err := lru.New[string, struct{}](revokedCacheSize)
	if err != nil {
		panic(err)
	}
	return &RevokedMessageHandler{manager: m, seen: seen}
}

// HandleRevokedMessage inspects one message from the group's revoked
// namespace. Messages not addressed to the local user, or kicks for a
// key generation the user has already rotated past, are ignored.
func (h *RevokedMessageHandler) HandleRevokedMessage(ctx context.Context, group types.AccountID, msg swarm.RetrievedMessage) error {
	// The same notification is retrieved by every poll cycle until it
	// expires; decrypt each hash once.
	if dup, _ := h.seen.ContainsOrAdd(msg.Hash, struct{}{}); dup {
		return nil
	}

	m := h.manager
	plaintext, err := m.cfg.Cipher.OpenForUser(ctx, messages.KickedDomain, group, msg.Data)
	if err != nil {
		// Addressed to someone else.
		return nil
	}
	pubKey, generation, err := messages.ParseKickedPlaintext(plaintext)
	if err != nil {
		return fmt.Errorf("malformed kick notification for %s: %w", group, err)
	}
	if !bytes.Equal(pubKey, m.cfg.Identity.Account.PubKey()) {
		return nil
	}

	// A kick at an old generation is stale if the user was re-invited
	// and holds newer keys.
	current := -1
	if m.cfg.Store.HasGroupConfigs(group) {
		err := m.cfg.Store.WithGroupConfigs(group, func(v config.GroupView) error {
			current = v.KeyGeneration()
			return nil
		})
		if err != nil {
			return err
		}
	}
	if current > generation {
		m.log.Debug("ignoring stale kick notification",
			"group", group, "kickGeneration", generation, "currentGeneration", current)
		return nil
	}

	return m.HandleKicked(ctx, group)
}
