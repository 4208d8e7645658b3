// Package firewall defines the compiled rule model handed to enforcers and
// the compiler that produces it from usage profiles.
package firewall

import (
	"encoding/json"
	"fmt"
)

// TargetKind tags the RuleTarget variant.
type TargetKind uint8

const (
	// TargetUnspecified matches any host; used by the default-deny pair.
	TargetUnspecified TargetKind = iota
	// TargetThisDevice is the device the rule set protects.
	TargetThisDevice
	// TargetIP is a literal address the controller resolved from the ACE.
	TargetIP
	// TargetHostname is a name left for the enforcer to resolve.
	TargetHostname
)

// RuleTarget is one endpoint of a rule. Value carries the address or name
// for TargetIP and TargetHostname and is empty otherwise.
type RuleTarget struct {
	Kind  TargetKind
	Value string
}

// Unspecified returns the catch-all target.
func Unspecified() RuleTarget { return RuleTarget{Kind: TargetUnspecified} }

// ThisDevice returns the protected-device target.
func ThisDevice() RuleTarget { return RuleTarget{Kind: TargetThisDevice} }

// IP returns a literal-address target.
func IP(addr string) RuleTarget { return RuleTarget{Kind: TargetIP, Value: addr} }

// Hostname returns a name target resolved by the enforcer.
func Hostname(name string) RuleTarget { return RuleTarget{Kind: TargetHostname, Value: name} }

func (t RuleTarget) String() string {
	switch t.Kind {
	case TargetUnspecified:
		return "none"
	case TargetThisDevice:
		return "this-device"
	case TargetIP:
		return "ip:" + t.Value
	case TargetHostname:
		return "host:" + t.Value
	}
	return fmt.Sprintf("target(%d)", uint8(t.Kind))
}

type targetWire struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

// MarshalJSON serializes the variant tag plus payload.
func (t RuleTarget) MarshalJSON() ([]byte, error) {
	w := targetWire{Value: t.Value}
	switch t.Kind {
	case TargetUnspecified:
		w.Kind = "none"
	case TargetThisDevice:
		w.Kind = "this-device"
	case TargetIP:
		w.Kind = "ip"
	case TargetHostname:
		w.Kind = "hostname"
	default:
		return nil, fmt.Errorf("unknown target kind %d", t.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the variant tag plus payload.
func (t *RuleTarget) UnmarshalJSON(b []byte) error {
	var w targetWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "none":
		t.Kind = TargetUnspecified
	case "this-device":
		t.Kind = TargetThisDevice
	case "ip":
		t.Kind = TargetIP
	case "hostname":
		t.Kind = TargetHostname
	default:
		return fmt.Errorf("unknown target kind %q", w.Kind)
	}
	t.Value = w.Value
	return nil
}

// Protocol is the transport protocol a rule applies to.
type Protocol uint8

const (
	ProtocolAll Protocol = iota
	ProtocolTCP
	ProtocolUDP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolAll:
		return "all"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	}
	return fmt.Sprintf("protocol(%d)", uint8(p))
}

// MarshalJSON encodes the protocol as its wire string.
func (p Protocol) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes the protocol from its wire string.
func (p *Protocol) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "all":
		*p = ProtocolAll
	case "tcp":
		*p = ProtocolTCP
	case "udp":
		*p = ProtocolUDP
	default:
		return fmt.Errorf("unknown protocol %q", s)
	}
	return nil
}

// Verdict is the decision a rule applies to matching traffic.
type Verdict uint8

const (
	VerdictAccept Verdict = iota
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	}
	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// MarshalJSON encodes the verdict as its wire string.
func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON decodes the verdict from its wire string.
func (v *Verdict) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "accept":
		*v = VerdictAccept
	case "reject":
		*v = VerdictReject
	default:
		return fmt.Errorf("unknown verdict %q", s)
	}
	return nil
}

// FirewallRule is one ordered entry in a device's compiled rule set.
type FirewallRule struct {
	Name     string     `json:"name"`
	Src      RuleTarget `json:"src"`
	Dst      RuleTarget `json:"dest"`
	Protocol Protocol   `json:"protocol"`
	Verdict  Verdict    `json:"target"`
}

// FirewallDevice is one device's compiled rule set plus the identity the
// enforcer needs to apply it.
type FirewallDevice struct {
	ID          int64          `json:"id"`
	IPv4        string         `json:"ipv4_addr,omitempty"`
	IPv6        string         `json:"ipv6_addr,omitempty"`
	CollectData bool           `json:"collect_data"`
	Rules       []FirewallRule `json:"rules"`
}

// EnforcerConfig is the full configuration pushed to an enforcer: a version
// token, every addressable device's rule set, and side metadata.
type EnforcerConfig struct {
	Version    uint64           `json:"version"`
	Devices    []FirewallDevice `json:"devices"`
	ACMEDomain string           `json:"acme_domain,omitempty"`
}
