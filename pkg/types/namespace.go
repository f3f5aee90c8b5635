package types

import "strconv"

// Namespace is a logical partition of an account's swarm storage.
// Group accounts use the group namespaces; user accounts use the user
// config namespaces.
type Namespace int

const (
	// NamespaceDefault holds a user account's regular messages.
	NamespaceDefault Namespace = 0

	// User-level replicated config namespaces.
	NamespaceContacts      Namespace = 3
	NamespaceConvoVolatile Namespace = 4
	NamespaceUserGroups    Namespace = 5

	// Group namespaces.
	NamespaceGroupMessages Namespace = 11
	NamespaceGroupKeys     Namespace = 12
	NamespaceGroupInfo     Namespace = 13
	NamespaceGroupMembers  Namespace = 14

	// NamespaceRevokedMessages carries per-recipient encrypted
	// revocation notices for members whose access has been revoked.
	NamespaceRevokedMessages Namespace = -11
)

func (n Namespace) String() string {
	switch n {
	case NamespaceDefault:
		return "default"
	case NamespaceContacts:
		return "contacts"
	case NamespaceConvoVolatile:
		return "convo-volatile"
	case NamespaceUserGroups:
		return "user-groups"
	case NamespaceGroupMessages:
		return "group-messages"
	case NamespaceGroupKeys:
		return "group-keys"
	case NamespaceGroupInfo:
		return "group-info"
	case NamespaceGroupMembers:
		return "group-members"
	case NamespaceRevokedMessages:
		return "revoked-messages"
	default:
		return "namespace(" + strconv.Itoa(int(n)) + ")"
	}
}

// GroupConfigNamespaces lists the three replicated config namespaces of
// a group in merge order: keys first, then info and members.
func GroupConfigNamespaces() []Namespace {
	return []Namespace{NamespaceGroupKeys, NamespaceGroupInfo, NamespaceGroupMembers}
}
