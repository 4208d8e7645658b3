// Package profile implements the usage-profile layer: the MUD (RFC 8520)
// document parser, the HTTP fetcher, and the expiration-aware cache that
// persists parsed profiles keyed by URL.
package profile

import (
	"encoding/json"
	"fmt"
	"time"
)

// Direction is the traffic direction an ACL governs, relative to the device
// the profile describes.
type Direction uint8

const (
	FromDevice Direction = iota
	ToDevice
)

func (d Direction) String() string {
	switch d {
	case FromDevice:
		return "from-device"
	case ToDevice:
		return "to-device"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// MarshalJSON encodes the direction as its wire string.
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes the direction from its wire string.
func (d *Direction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "from-device":
		*d = FromDevice
	case "to-device":
		*d = ToDevice
	default:
		return fmt.Errorf("unknown ACL direction %q", s)
	}
	return nil
}

// AceProtocol is the IP protocol number an ACE matches. Zero means the entry
// does not constrain the transport protocol.
type AceProtocol uint8

const (
	ProtocolAny AceProtocol = 0
	ProtocolTCP AceProtocol = 6
	ProtocolUDP AceProtocol = 17
)

func (p AceProtocol) String() string {
	switch p {
	case ProtocolAny:
		return "any"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// Action is the forwarding decision an ACE requests.
type Action uint8

const (
	ActionAccept Action = iota
	ActionDeny
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionDeny:
		return "deny"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// MarshalJSON encodes the action as its wire string.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes the action from its wire string.
func (a *Action) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "accept":
		*a = ActionAccept
	case "deny", "drop", "reject":
		*a = ActionDeny
	default:
		return fmt.Errorf("unknown ACE action %q", s)
	}
	return nil
}

// AceMatches is the match specification of an ACE. Port fields are carried
// through from the source document but are not currently projected into
// firewall rules.
type AceMatches struct {
	Protocol        AceProtocol `json:"protocol,omitempty"`
	DNSName         string      `json:"dnsname,omitempty"`
	SourcePort      *uint16     `json:"source_port,omitempty"`
	DestinationPort *uint16     `json:"destination_port,omitempty"`
}

// ACE is a single access-control entry: a named match-and-action pair.
type ACE struct {
	Name    string     `json:"name"`
	Action  Action     `json:"action"`
	Matches AceMatches `json:"matches"`
}

// ACL is a named, directional group of ACEs. Type records the address family
// of the source access list ("ipv4-acl-type" or "ipv6-acl-type").
type ACL struct {
	Name      string    `json:"name"`
	Type      string    `json:"type,omitempty"`
	Direction Direction `json:"packet_direction"`
	ACEs      []ACE     `json:"aces"`
}

// Profile is a parsed usage profile. ACLs holds the manufacturer-published
// list; Override holds locally-authored ACLs that replace same-named entries
// at compile time. Override lives in its own storage column so a refetch of
// the source document never disturbs it.
type Profile struct {
	URL           string    `json:"url"`
	MasaURL       string    `json:"masa_url,omitempty"`
	LastUpdate    string    `json:"last_update,omitempty"`
	SystemInfo    string    `json:"systeminfo,omitempty"`
	MfgName       string    `json:"mfg_name,omitempty"`
	ModelName     string    `json:"model_name,omitempty"`
	Documentation string    `json:"documentation,omitempty"`
	Expiration    time.Time `json:"expiration"`
	ACLs          []ACL     `json:"acllist"`
	Override      []ACL     `json:"-"`
}

// EffectiveACLs returns the ACL list the compiler should consume: the base
// list when no override exists, otherwise the base entries whose names do not
// appear in the override, in original order, followed by the override entries
// in their given order. A same-named override replaces the base ACL whole,
// direction and type included.
func (p *Profile) EffectiveACLs() []ACL {
	if len(p.Override) == 0 {
		return p.ACLs
	}

	overridden := make(map[string]struct{}, len(p.Override))
	for _, acl := range p.Override {
		overridden[acl.Name] = struct{}{}
	}

	merged := make([]ACL, 0, len(p.ACLs)+len(p.Override))
	for _, acl := range p.ACLs {
		if _, ok := overridden[acl.Name]; !ok {
			merged = append(merged, acl)
		}
	}
	return append(merged, p.Override...)
}
