package messages

import (
	"context"
	"fmt"
	"strconv"

	"github.com/relves/swarmsync/pkg/types"
)

// KickedDomain is the encryption domain of kick notifications written
// to a group's revoked-message namespace.
const KickedDomain = "SessionGroupKickedMessage"

// MultiRecipientCipher seals one payload per recipient into a single
// blob that each recipient can open with their own identity key.
type MultiRecipientCipher interface {
	SealForRecipients(domain string, group types.AccountID, payloads [][]byte, recipients []types.AccountID) ([]byte, error)

	// OpenForUser opens the blob with the local identity, returning
	// the payload addressed to it. Fails when none is.
	OpenForUser(ctx context.Context, domain string, group types.AccountID, data []byte) ([]byte, error)
}

// KickedPlaintext builds the payload of a kick notification: the
// member's raw public key followed by the key generation in ASCII
// decimal. A member treats itself as kicked when the key matches its
// own and the generation is at least its current one.
func KickedPlaintext(member types.AccountID, generation int) []byte {
	out := make([]byte, 0, len(member.PubKey())+4)
	out = append(out, member.PubKey()...)
	return strconv.AppendInt(out, int64(generation), 10)
}

// ParseKickedPlaintext splits a kick payload into the member public
// key and generation.
func ParseKickedPlaintext(data []byte) (pubKey []byte, generation int, err error) {
	const keyLen = 32
	if len(data) <= keyLen {
		return nil, 0, fmt.Errorf("messages: kick payload too short: %d bytes", len(data))
	}
	gen, err := strconv.Atoi(string(data[keyLen:]))
	if err != nil {
		return nil, 0, fmt.Errorf("messages: bad kick payload generation: %w", err)
	}
	return data[:keyLen], gen, nil
}
