// Package messages defines the control messages exchanged during
// group membership changes, their wire encoding and signatures, and
// the transport used to deliver them.
package messages

import (
	"github.com/fxamacker/cbor/v2"
)

// Control messages are deterministic CBOR so that signatures cover a
// canonical byte form.
var (
	enc cbor.EncMode
	dec cbor.DecMode
)

func init() {
	var err error
	if enc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if dec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Marshal encodes a value as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return enc.Marshal(v)
}

// Unmarshal decodes deterministic CBOR produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return dec.Unmarshal(data, v)
}
