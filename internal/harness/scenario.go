package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
)

// Scenario is a multi-peer replication test.
// Peers run over one in-memory network whose delivery order, duplication
// and partitions the scenario controls.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Backend selects the storage every peer uses: "sqlite" (default) or
	// "leveldb".
	Backend string `yaml:"backend,omitempty"`

	// Network shapes message delivery.
	Network NetworkConfig `yaml:"network,omitempty"`

	// Peers lists the peer names. Each peer's identity is derived from its
	// name, so runs are reproducible.
	Peers []string `yaml:"peers"`

	// Steps run in order. After each step nothing is delivered until a
	// settle or announce step.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// NetworkConfig shapes the in-memory network.
type NetworkConfig struct {
	// ReorderSeed, if non-zero, delivers queued messages in a seeded
	// random order.
	ReorderSeed uint64 `yaml:"reorder_seed,omitempty"`
	// Duplicate is the probability a message is delivered twice.
	Duplicate float64 `yaml:"duplicate,omitempty"`
}

// Step is one operation of a scenario.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	Peer       string `yaml:"peer,omitempty"`
	Space      string `yaml:"space,omitempty"`
	Subject    string `yaml:"subject,omitempty"`
	Authority  string `yaml:"authority,omitempty"`
	Capability string `yaml:"capability,omitempty"`
	Document   string `yaml:"document,omitempty"`
	Path       string `yaml:"path,omitempty"`
	Value      any    `yaml:"value,omitempty"`
	Delta      int64  `yaml:"delta,omitempty"`

	// Between names the two peers a partition separates.
	Between []string `yaml:"between,omitempty"`

	// Migration is applied by an epoch step.
	Migration *MigrationConfig `yaml:"migration,omitempty"`

	// ExpectError is the fault code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// MigrationConfig is the YAML form of ir.Migration.
type MigrationConfig struct {
	Name    string          `yaml:"name"`
	Version int             `yaml:"version"`
	Steps   []MigrationStep `yaml:"steps"`
}

// MigrationStep is the YAML form of ir.MigrationStep.
type MigrationStep struct {
	Op    string `yaml:"op"`
	Path  string `yaml:"path"`
	To    string `yaml:"to,omitempty"`
	Value any    `yaml:"value,omitempty"`
}

// Step operations.
const (
	OpCreate    = "create"    // peer creates space
	OpInvite    = "invite"    // peer admits subject with authority; subject joins
	OpAdmit     = "admit"     // peer admits subject without a join
	OpRevoke    = "revoke"    // peer revokes subject
	OpDelegate  = "delegate"  // peer grants subject capability
	OpOpen      = "open"      // peer opens document
	OpSet       = "set"       // peer sets path to value
	OpDelete    = "delete"    // peer deletes path
	OpIncrement = "increment" // peer adds delta to the counter at path
	OpPush      = "push"      // peer appends value to the list at path
	OpEpoch     = "epoch"     // peer proposes and commits an epoch
	OpCompact   = "compact"   // peer prunes blocks covered by the epoch
	OpSettle    = "settle"    // deliver until quiescent
	OpAnnounce  = "announce"  // every space announces, then settle
	OpPartition = "partition" // cut the link between two peers
	OpHeal      = "heal"      // restore every link
	OpRestart   = "restart"   // stop peer and reopen it from its store
)

var peerOps = []string{
	OpCreate, OpInvite, OpAdmit, OpRevoke, OpDelegate, OpOpen, OpSet, OpDelete,
	OpIncrement, OpPush, OpEpoch, OpCompact, OpRestart,
}

var networkOps = []string{OpSettle, OpAnnounce, OpPartition, OpHeal}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Peer     string `yaml:"peer,omitempty"`
	Space    string `yaml:"space,omitempty"`
	Document string `yaml:"document,omitempty"`
	Subject  string `yaml:"subject,omitempty"`

	// Expect is the exact document value (document).
	Expect map[string]any `yaml:"expect,omitempty"`
	// Authority is the expected authority; empty means not a member (member).
	Authority string `yaml:"authority,omitempty"`
	// Number is the expected epoch number (epoch).
	Number int64 `yaml:"number,omitempty"`
}

// Assertion types.
const (
	// AssertDocument compares a peer's document with Expect.
	AssertDocument = "document"
	// AssertConverged checks that every peer holding the space has the same
	// document value and timeframe.
	AssertConverged = "converged"
	// AssertMember checks a subject's authority on a peer.
	AssertMember = "member"
	// AssertEpoch checks a peer's committed epoch number.
	AssertEpoch = "epoch"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch s.Backend {
	case "", BackendSQLite, BackendLevelDB:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if s.Network.Duplicate < 0 || s.Network.Duplicate >= 1 {
		return fmt.Errorf("network.duplicate must be in [0, 1)")
	}
	if len(s.Peers) == 0 {
		return fmt.Errorf("peers list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(s, step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(s, a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Scenario, step Step) error {
	switch {
	case slices.Contains(peerOps, step.Op):
		if !slices.Contains(s.Peers, step.Peer) {
			return fmt.Errorf("%s: unknown peer %q", step.Op, step.Peer)
		}
		if step.Op != OpRestart && step.Space == "" {
			return fmt.Errorf("%s: space is required", step.Op)
		}
	case slices.Contains(networkOps, step.Op):
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	switch step.Op {
	case OpInvite, OpAdmit, OpRevoke, OpDelegate:
		if !slices.Contains(s.Peers, step.Subject) {
			return fmt.Errorf("%s: unknown subject %q", step.Op, step.Subject)
		}
	case OpOpen, OpSet, OpDelete, OpIncrement, OpPush:
		if step.Document == "" {
			return fmt.Errorf("%s: document is required", step.Op)
		}
	case OpPartition:
		if len(step.Between) != 2 {
			return fmt.Errorf("partition: between needs two peers")
		}
	}
	switch step.Op {
	case OpInvite, OpAdmit:
		if _, err := ir.ParseAuthority(step.Authority); err != nil {
			return fmt.Errorf("%s: %w", step.Op, err)
		}
	case OpDelegate:
		if !ir.Capability(step.Capability).Valid() {
			return fmt.Errorf("delegate: unknown capability %q", step.Capability)
		}
	case OpSet, OpDelete, OpIncrement, OpPush:
		if step.Path == "" {
			return fmt.Errorf("%s: path is required", step.Op)
		}
	}
	if step.ExpectError != "" && !fault.Code(step.ExpectError).Valid() {
		return fmt.Errorf("unknown fault code %q", step.ExpectError)
	}
	return nil
}

func validateAssertion(s *Scenario, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("type is required")
	}
	if a.Space == "" {
		return fmt.Errorf("%s: space is required", a.Type)
	}
	switch a.Type {
	case AssertDocument, AssertMember, AssertEpoch:
		if !slices.Contains(s.Peers, a.Peer) {
			return fmt.Errorf("%s: unknown peer %q", a.Type, a.Peer)
		}
	case AssertConverged:
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	switch a.Type {
	case AssertDocument:
		if a.Document == "" || a.Expect == nil {
			return fmt.Errorf("document: document and expect are required")
		}
	case AssertConverged:
		if a.Document == "" {
			return fmt.Errorf("converged: document is required")
		}
	case AssertMember:
		if !slices.Contains(s.Peers, a.Subject) {
			return fmt.Errorf("member: unknown subject %q", a.Subject)
		}
	}
	return nil
}
