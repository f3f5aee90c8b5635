package types_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/swarmsync/pkg/types"
)

func TestAccountIDRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	id := types.NewAccountID(types.PrefixGroup, pub)
	assert.Len(t, string(id), 66, "33 raw bytes hex encoded")
	assert.True(t, id.IsGroup())
	assert.Equal(t, types.PrefixGroup, id.Prefix())
	assert.Equal(t, []byte(pub), id.PubKey())
	assert.True(t, id.MatchesPubKey(pub))

	parsed, err := types.ParseAccountID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseAccountIDRejectsMalformed(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cases := []struct {
		name string
		in   string
	}{
		{"not hex", "zz03"},
		{"too short", "0512"},
		{"unknown prefix", string(types.NewAccountID(0x07, pub))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := types.ParseAccountID(tc.in)
			assert.Error(t, err)
		})
	}
}

func TestNamespaceNames(t *testing.T) {
	assert.Equal(t, "group-messages", types.NamespaceGroupMessages.String())
	assert.Equal(t, "revoked-messages", types.NamespaceRevokedMessages.String())
	assert.Equal(t, "namespace(99)", types.Namespace(99).String())

	assert.Equal(t, []types.Namespace{
		types.NamespaceGroupKeys,
		types.NamespaceGroupInfo,
		types.NamespaceGroupMembers,
	}, types.GroupConfigNamespaces())
}
