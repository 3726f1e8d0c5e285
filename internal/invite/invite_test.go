package invite

import (
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/spacesync/internal/fault"
	"github.com/roach88/spacesync/internal/ir"
	"github.com/roach88/spacesync/internal/keys"
	"github.com/roach88/spacesync/internal/testutil"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func issue(t *testing.T, mod func(*Invitation)) string {
	t.Helper()
	inv := Invitation{
		Space:     testutil.Key("space"),
		Invitee:   testutil.Key("bob"),
		Authority: ir.AuthorityWriter,
		Peer:      "alice-host",
	}
	if mod != nil {
		mod(&inv)
	}
	token, err := Issue(testutil.Signer("alice"), inv, now)
	require.NoError(t, err)
	return token
}

func TestIssueParse(t *testing.T) {
	token := issue(t, nil)

	inv, err := Parse(token, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, testutil.Key("space"), inv.Space)
	assert.Equal(t, testutil.Key("alice"), inv.Inviter)
	assert.Equal(t, testutil.Key("bob"), inv.Invitee)
	assert.Equal(t, ir.AuthorityWriter, inv.Authority)
	assert.Equal(t, "alice-host", inv.Peer)
	assert.NotEmpty(t, inv.ID)
	assert.True(t, inv.IssuedAt.Equal(now))
	assert.True(t, inv.ExpiresAt.Equal(now.Add(DefaultTTL)))
}

func TestParse_Rejects(t *testing.T) {
	valid := issue(t, nil)
	parts := strings.Split(valid, ".")
	forged := issue(t, func(inv *Invitation) { inv.Authority = ir.AuthorityAdmin })
	forgedParts := strings.Split(forged, ".")

	tests := []struct {
		name  string
		token string
		at    time.Time
	}{
		{"expired", valid, now.Add(DefaultTTL + time.Second)},
		{"issued in the future", valid, now.Add(-time.Hour)},
		{"garbage", "not.a.token", now},
		{"swapped claims", parts[0] + "." + forgedParts[1] + "." + parts[2], now},
		{"alg none", "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." + parts[1] + ".", now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.token, tt.at)
			assert.True(t, fault.Is(err, fault.InvalidInvitation), "got %v", err)
		})
	}
}

func TestIssue_Rejects(t *testing.T) {
	dil, err := keys.Generate(keys.Dilithium3, rand.Reader)
	require.NoError(t, err)
	_, err = Issue(dil, Invitation{Space: "s", Invitee: testutil.Key("bob")}, now)
	assert.True(t, fault.Is(err, fault.InvalidArgument), "dilithium inviters cannot sign JWTs")

	_, err = Issue(testutil.Signer("alice"), Invitation{
		Space: "s", Invitee: testutil.Key("bob"), Inviter: testutil.Key("carol"),
	}, now)
	assert.True(t, fault.Is(err, fault.InvalidArgument))

	_, err = Issue(testutil.Signer("alice"), Invitation{Space: "s", Invitee: "junk"}, now)
	assert.True(t, fault.Is(err, fault.InvalidArgument))

	_, err = Issue(testutil.Signer("alice"), Invitation{Invitee: testutil.Key("bob")}, now)
	assert.True(t, fault.Is(err, fault.InvalidArgument))
}

func TestParse_UnknownAuthority(t *testing.T) {
	token := issue(t, func(inv *Invitation) { inv.Authority = "emperor" })
	_, err := Parse(token, now)
	assert.True(t, fault.Is(err, fault.InvalidInvitation))
}
