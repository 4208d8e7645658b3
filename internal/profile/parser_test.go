package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMUD = `{
  "ietf-mud:mud": {
    "mud-version": 1,
    "mud-url": "https://vendor.example/bulb.json",
    "last-update": "2025-02-10T12:00:00+00:00",
    "cache-validity": 100,
    "is-supported": true,
    "systeminfo": "Smart bulb",
    "mfg-name": "Example Lighting",
    "model-name": "Bulb 9000",
    "from-device-policy": {
      "access-lists": {
        "access-list": [ { "name": "mud-12345-v4fr" } ]
      }
    },
    "to-device-policy": {
      "access-lists": {
        "access-list": [ { "name": "mud-12345-v4to" } ]
      }
    }
  },
  "ietf-access-control-list:acls": {
    "acl": [
      {
        "name": "mud-12345-v4fr",
        "type": "ipv4-acl-type",
        "aces": {
          "ace": [
            {
              "name": "cl0-frdev",
              "matches": {
                "ipv4": { "protocol": 6, "ietf-acldns:dst-dnsname": "cloud.example.com" },
                "tcp": { "destination-port": { "operator": "eq", "port": 443 } }
              },
              "actions": { "forwarding": "accept" }
            }
          ]
        }
      },
      {
        "name": "mud-12345-v4to",
        "type": "ipv4-acl-type",
        "aces": {
          "ace": [
            {
              "name": "cl0-todev",
              "matches": {
                "ipv4": { "protocol": 17, "ietf-acldns:src-dnsname": "cloud.example.com" }
              },
              "actions": { "forwarding": "drop" }
            }
          ]
        }
      },
      {
        "name": "orphan-acl",
        "type": "ipv4-acl-type",
        "aces": { "ace": [] }
      }
    ]
  }
}`

func TestParseSampleDocument(t *testing.T) {
	now := time.Date(2025, 2, 11, 8, 0, 0, 0, time.UTC)
	p, err := Parse("https://vendor.example/bulb.json", []byte(sampleMUD), now)
	require.NoError(t, err)

	assert.Equal(t, "https://vendor.example/bulb.json", p.URL)
	assert.Equal(t, "Example Lighting", p.MfgName)
	assert.Equal(t, "Bulb 9000", p.ModelName)
	assert.Equal(t, now.Add(100*time.Hour), p.Expiration)

	// the unreferenced ACL is dropped
	require.Len(t, p.ACLs, 2)

	fr := p.ACLs[0]
	assert.Equal(t, "mud-12345-v4fr", fr.Name)
	assert.Equal(t, FromDevice, fr.Direction)
	require.Len(t, fr.ACEs, 1)
	assert.Equal(t, ActionAccept, fr.ACEs[0].Action)
	assert.Equal(t, ProtocolTCP, fr.ACEs[0].Matches.Protocol)
	assert.Equal(t, "cloud.example.com", fr.ACEs[0].Matches.DNSName)
	require.NotNil(t, fr.ACEs[0].Matches.DestinationPort)
	assert.Equal(t, uint16(443), *fr.ACEs[0].Matches.DestinationPort)

	to := p.ACLs[1]
	assert.Equal(t, ToDevice, to.Direction)
	require.Len(t, to.ACEs, 1)
	assert.Equal(t, ActionDeny, to.ACEs[0].Action)
	assert.Equal(t, ProtocolUDP, to.ACEs[0].Matches.Protocol)
	assert.Equal(t, "cloud.example.com", to.ACEs[0].Matches.DNSName)
}

func TestParseCacheValidityDefaultAndClamp(t *testing.T) {
	now := time.Date(2025, 2, 11, 8, 0, 0, 0, time.UTC)

	doc := `{"ietf-mud:mud": {"mud-version": 1}}`
	p, err := Parse("u", []byte(doc), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(48*time.Hour), p.Expiration, "default validity is 48h")

	doc = `{"ietf-mud:mud": {"mud-version": 1, "cache-validity": 5000}}`
	p, err = Parse("u", []byte(doc), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(168*time.Hour), p.Expiration, "clamped to one week")

	doc = `{"ietf-mud:mud": {"mud-version": 1, "cache-validity": 0}}`
	p, err = Parse("u", []byte(doc), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), p.Expiration, "clamped to one hour")
}

func TestParseRejectsGarbage(t *testing.T) {
	now := time.Now()

	var perr *ParseError
	_, err := Parse("u", []byte(`not json`), now)
	require.ErrorAs(t, err, &perr)

	_, err = Parse("u", []byte(`{"something": "else"}`), now)
	require.ErrorAs(t, err, &perr)

	_, err = Parse("u", []byte(`{"ietf-mud:mud": {"mud-version": 2}}`), now)
	require.ErrorAs(t, err, &perr)
}

func TestParseRejectsUnknownForwardingAction(t *testing.T) {
	doc := `{
	  "ietf-mud:mud": {
	    "mud-version": 1,
	    "from-device-policy": {"access-lists": {"access-list": [{"name": "a"}]}}
	  },
	  "ietf-access-control-list:acls": {
	    "acl": [{"name": "a", "aces": {"ace": [
	      {"name": "e", "matches": {}, "actions": {"forwarding": "mirror"}}
	    ]}}]
	  }
	}`
	var perr *ParseError
	_, err := Parse("u", []byte(doc), time.Now())
	require.ErrorAs(t, err, &perr)
}

func TestEffectiveACLsMergeLaw(t *testing.T) {
	base := []ACL{
		{Name: "a", Direction: FromDevice, ACEs: []ACE{{Name: "a0"}}},
		{Name: "b", Direction: ToDevice, ACEs: []ACE{{Name: "b0"}}},
		{Name: "c", Direction: FromDevice, ACEs: []ACE{{Name: "c0"}}},
	}
	override := []ACL{
		{Name: "b", Direction: FromDevice, ACEs: []ACE{{Name: "b-replaced"}}},
		{Name: "z", Direction: ToDevice, ACEs: []ACE{{Name: "z0"}}},
	}

	p := &Profile{ACLs: base, Override: override}
	merged := p.EffectiveACLs()

	require.Len(t, merged, 4)
	assert.Equal(t, "a", merged[0].Name)
	assert.Equal(t, "c", merged[1].Name)
	assert.Equal(t, "b", merged[2].Name)
	assert.Equal(t, "z", merged[3].Name)

	// the override replaces the base ACL wholesale, direction included
	assert.Equal(t, FromDevice, merged[2].Direction)
	assert.Equal(t, "b-replaced", merged[2].ACEs[0].Name)
}

func TestEffectiveACLsEmptyOverrideIsIdentity(t *testing.T) {
	base := []ACL{
		{Name: "a", Direction: FromDevice},
		{Name: "b", Direction: ToDevice},
	}
	p := &Profile{ACLs: base}
	assert.Equal(t, base, p.EffectiveACLs())
}

func TestDirectionRoundTrip(t *testing.T) {
	for _, d := range []Direction{FromDevice, ToDevice} {
		b, err := d.MarshalJSON()
		require.NoError(t, err)
		var got Direction
		require.NoError(t, got.UnmarshalJSON(b))
		assert.Equal(t, d, got)
	}

	var d Direction
	assert.Error(t, d.UnmarshalJSON([]byte(`"sideways"`)))
}
