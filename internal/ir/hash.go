package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainBlock      = "spacesync/block/v1"
	DomainChange     = "spacesync/change/v1"
	DomainCredential = "spacesync/credential/v1"
	DomainCollection = "spacesync/collection/v1"
)

// digestWithDomain computes SHA256(domain || 0x00 || data).
// The null byte keeps the domain/data boundary unambiguous.
func digestWithDomain(domain string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return h.Sum(nil)
}

func hashWithDomain(domain string, data []byte) string {
	return hex.EncodeToString(digestWithDomain(domain, data))
}

// BlockDigest is the message a feed owner signs for a block.
// It binds the feed, the position and the payload bytes.
func BlockDigest(feed FeedID, seq int64, payload []byte) ([]byte, error) {
	canonical, err := MarshalCanonical(Map{
		"feed_id": String(feed),
		"seq":     Int(seq),
		"payload": String(hex.EncodeToString(payload)),
	})
	if err != nil {
		return nil, fmt.Errorf("BlockDigest: %w", err)
	}
	return digestWithDomain(DomainBlock, canonical), nil
}

// BlockHash is the hex form of BlockDigest, used by stores to detect forks.
func BlockHash(b FeedBlock) (string, error) {
	d, err := BlockDigest(b.FeedID, b.Seq, b.Payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d), nil
}

// CredentialDigest is the message an issuer signs for a credential.
// The signature field itself is excluded.
func CredentialDigest(c Credential) ([]byte, error) {
	unsigned := c
	unsigned.Signature = nil
	canonical, err := MarshalCanonical(unsigned)
	if err != nil {
		return nil, fmt.Errorf("CredentialDigest: %w", err)
	}
	return digestWithDomain(DomainCredential, canonical), nil
}

// ChangeHash computes the content address of a CRDT change.
// Peers reference changes by this hash in deps.
func ChangeHash(c Change) (string, error) {
	canonical, err := MarshalCanonical(c)
	if err != nil {
		return "", fmt.Errorf("ChangeHash: %w", err)
	}
	return hashWithDomain(DomainChange, canonical), nil
}

// MustChangeHash is like ChangeHash but panics on error.
// Use only in tests or when the change is known to be valid.
func MustChangeHash(c Change) string {
	h, err := ChangeHash(c)
	if err != nil {
		panic(err)
	}
	return h
}

// CollectionID derives the document collection id for a space.
func CollectionID(spaceID string) string {
	return hashWithDomain(DomainCollection, []byte(spaceID))
}
