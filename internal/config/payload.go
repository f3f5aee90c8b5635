package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/relves/swarmsync/pkg/types"
)

// Config objects travel as deterministic CBOR so identical state
// serializes to identical bytes and content addresses.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

type keyEntryPayload struct {
	Generation int               `cbor:"1,keyasint"`
	Key        []byte            `cbor:"2,keyasint"`
	Readers    []types.AccountID `cbor:"3,keyasint"`
}

type keysPayload struct {
	Supplement bool              `cbor:"1,keyasint,omitempty"`
	Entries    []keyEntryPayload `cbor:"2,keyasint"`
}

type infoPayload struct {
	Name         string    `cbor:"1,keyasint"`
	Description  string    `cbor:"2,keyasint,omitempty"`
	ExpiryTimer  int64     `cbor:"3,keyasint,omitempty"`
	DeleteBefore int64     `cbor:"4,keyasint,omitempty"`
	Destroyed    bool      `cbor:"5,keyasint,omitempty"`
	UpdatedAt    time.Time `cbor:"6,keyasint"`
}

type memberEntryPayload struct {
	ID         types.AccountID `cbor:"1,keyasint"`
	Name       string          `cbor:"2,keyasint,omitempty"`
	AvatarURL  string          `cbor:"3,keyasint,omitempty"`
	Admin      bool            `cbor:"4,keyasint,omitempty"`
	Invite     int             `cbor:"5,keyasint,omitempty"`
	Promotion  int             `cbor:"6,keyasint,omitempty"`
	Removal    int             `cbor:"7,keyasint,omitempty"`
	Supplement bool            `cbor:"8,keyasint,omitempty"`
	UpdatedAt  time.Time       `cbor:"9,keyasint"`
}

type membersPayload struct {
	Entries []memberEntryPayload `cbor:"1,keyasint"`
}

func (e memberEntryPayload) member() Member {
	return Member{
		ID:         e.ID,
		Name:       e.Name,
		AvatarURL:  e.AvatarURL,
		Admin:      e.Admin,
		Invite:     InviteStatus(e.Invite),
		Promotion:  PromotionStatus(e.Promotion),
		Removal:    RemovalStatus(e.Removal),
		Supplement: e.Supplement,
	}
}

func memberEntry(m Member, updatedAt time.Time) memberEntryPayload {
	return memberEntryPayload{
		ID:         m.ID,
		Name:       m.Name,
		AvatarURL:  m.AvatarURL,
		Admin:      m.Admin,
		Invite:     int(m.Invite),
		Promotion:  int(m.Promotion),
		Removal:    int(m.Removal),
		Supplement: m.Supplement,
		UpdatedAt:  updatedAt,
	}
}

// sealedMessage is the envelope of an encrypted group message: the key
// generation it was sealed under, the claimed sender, and an AES-GCM
// ciphertext.
type sealedMessage struct {
	Generation int             `cbor:"1,keyasint"`
	Sender     types.AccountID `cbor:"2,keyasint"`
	Nonce      []byte          `cbor:"3,keyasint"`
	Ciphertext []byte          `cbor:"4,keyasint"`
}

func sealMessage(key []byte, generation int, sender types.AccountID, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, plaintext, []byte(sender))
	return cborEnc.Marshal(sealedMessage{
		Generation: generation,
		Sender:     sender,
		Nonce:      nonce,
		Ciphertext: ct,
	})
}

func openMessage(key []byte, msg sealedMessage) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	pt, err := gcm.Open(nil, msg.Nonce, msg.Ciphertext, []byte(msg.Sender))
	if err != nil {
		return nil, fmt.Errorf("opening message: %w", err)
	}
	return pt, nil
}
