package firewall

import (
	"fmt"
	"net/netip"

	"mudward.io/mudward/internal/profile"
)

// DeviceInfo is the device identity the compiler needs; it deliberately
// carries no repository or profile references so Compile stays pure.
type DeviceInfo struct {
	ID          int64
	IPv4        string
	IPv6        string
	CollectInfo bool
}

// Compile turns a device and its resolved usage profile into an ordered rule
// set. It performs no I/O and depends on nothing but its inputs; calling it
// twice with the same inputs yields identical output.
//
// A nil profile yields an empty rule list: a device that never presented a
// MUD URL is left to the enforcer's general policy. Any profile, including an
// empty local one, ends the list with the default-deny pair.
func Compile(dev DeviceInfo, p *profile.Profile) FirewallDevice {
	out := FirewallDevice{
		ID:          dev.ID,
		IPv4:        dev.IPv4,
		IPv6:        dev.IPv6,
		CollectData: dev.CollectInfo,
		Rules:       []FirewallRule{},
	}
	if p == nil {
		return out
	}

	// The index advances once per ACE whether or not a rule is emitted,
	// keeping rule names stable across recompilations of the same input.
	index := 0
	for _, acl := range p.EffectiveACLs() {
		for _, ace := range acl.ACEs {
			rule, ok := compileACE(acl.Direction, ace, index)
			if ok {
				out.Rules = append(out.Rules, rule)
			}
			index++
		}
	}

	out.Rules = append(out.Rules,
		FirewallRule{
			Name:     fmt.Sprintf("rule_default_%d", index),
			Src:      ThisDevice(),
			Dst:      Unspecified(),
			Protocol: ProtocolAll,
			Verdict:  VerdictReject,
		},
		FirewallRule{
			Name:     fmt.Sprintf("rule_default_%d", index+1),
			Src:      Unspecified(),
			Dst:      ThisDevice(),
			Protocol: ProtocolAll,
			Verdict:  VerdictReject,
		},
	)
	return out
}

// compileACE maps one ACE to a rule. Entries without a remote endpoint do
// not compile to anything yet; ports and address masks are likewise parsed
// upstream but not projected here.
func compileACE(dir profile.Direction, ace profile.ACE, index int) (FirewallRule, bool) {
	if ace.Matches.DNSName == "" {
		return FirewallRule{}, false
	}

	var proto Protocol
	switch ace.Matches.Protocol {
	case profile.ProtocolTCP:
		proto = ProtocolTCP
	case profile.ProtocolUDP:
		proto = ProtocolUDP
	default:
		proto = ProtocolAll
	}

	verdict := VerdictReject
	if ace.Action == profile.ActionAccept {
		verdict = VerdictAccept
	}

	remote := Hostname(ace.Matches.DNSName)
	if addr, err := netip.ParseAddr(ace.Matches.DNSName); err == nil {
		remote = IP(addr.String())
	}

	src, dst := ThisDevice(), remote
	if dir == profile.ToDevice {
		src, dst = remote, ThisDevice()
	}

	return FirewallRule{
		Name:     fmt.Sprintf("rule_%d", index),
		Src:      src,
		Dst:      dst,
		Protocol: proto,
		Verdict:  verdict,
	}, true
}

// BuildConfig wraps compiled devices with the version token and side
// metadata. Devices without any address must be filtered by the caller
// before compilation.
func BuildConfig(version uint64, devices []FirewallDevice, acmeDomain string) *EnforcerConfig {
	if devices == nil {
		devices = []FirewallDevice{}
	}
	return &EnforcerConfig{
		Version:    version,
		Devices:    devices,
		ACMEDomain: acmeDomain,
	}
}
