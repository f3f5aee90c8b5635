package swarm

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

// MessageHash computes the content address a storage node assigns to a
// stored blob: a CIDv1 over the raw bytes with a sha2-256 multihash.
func MessageHash(data []byte) string {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 over arbitrary bytes cannot fail
		panic(err)
	}
	return cid.NewCidV1(uint64(multicodec.Raw), mh).String()
}
