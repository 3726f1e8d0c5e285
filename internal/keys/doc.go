// Package keys implements the signing contract used for feed blocks and
// credentials.
//
// A key string is "<alg>:<base58 public key>", for example
// "ed25519:8Xb1...". Ed25519 is the default; Dilithium3 is available for
// post-quantum identities. Verification dispatches on the key prefix, so
// feeds signed with either algorithm can coexist in one space.
package keys
