package epoch

import (
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// Root returns the CIDv1 string (raw codec, sha2-256) addressing data.
func Root(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("epoch root: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Encode returns the canonical bytes of snap and their root.
func Encode(snap ir.EpochSnapshot) ([]byte, string, error) {
	data, err := ir.MarshalCanonical(snap)
	if err != nil {
		return nil, "", fmt.Errorf("encode snapshot: %w", err)
	}
	root, err := Root(data)
	if err != nil {
		return nil, "", err
	}
	return data, root, nil
}

// Decode parses snapshot bytes. The bytes are not checked against a root;
// use VerifyRoot for bytes received from a peer.
func Decode(data []byte) (ir.EpochSnapshot, error) {
	var snap ir.EpochSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ir.EpochSnapshot{}, fault.Wrap(fault.MalformedAssertion, err, "decode snapshot")
	}
	return snap, nil
}

// VerifyRoot checks that data hashes to root. The root's own hash function
// is used, so roots produced by other multihash functions still verify.
func VerifyRoot(root string, data []byte) error {
	c, err := cid.Decode(root)
	if err != nil {
		return fault.Wrap(fault.MalformedAssertion, err, "parse epoch root").With("root", root)
	}
	want, err := c.Prefix().Sum(data)
	if err != nil {
		return fault.Wrap(fault.MalformedAssertion, err, "hash snapshot").With("root", root)
	}
	if !want.Equals(c) {
		return fault.New(fault.MalformedAssertion, "snapshot does not match its root").
			With("root", root).With("computed", want.String())
	}
	return nil
}
