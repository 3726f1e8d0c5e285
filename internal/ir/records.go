package ir

// Persisted record types shared by the storage backends.

// SpaceRecord registers a space replica held by this host.
type SpaceRecord struct {
	SpaceID  string `json:"space_id"`
	LocalKey string `json:"local_key"` // this host's member key in the space
}

// Identity is a locally held signing identity.
// Seed is private key material and never leaves the host.
type Identity struct {
	Key  string `json:"key"`
	Alg  string `json:"alg"`
	Seed []byte `json:"seed"`
	Name string `json:"name,omitempty"`
}

// EpochRecord is a committed epoch together with its snapshot bytes.
// Snapshot is the canonical JSON of the EpochSnapshot that Root addresses.
type EpochRecord struct {
	SpaceID  string `json:"space_id"`
	Number   int64  `json:"number"`
	Root     string `json:"root"`
	Snapshot []byte `json:"snapshot"`
}
