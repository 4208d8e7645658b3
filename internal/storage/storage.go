// Package storage provides the controller's persistence layer.
//
// The store owns three tables:
//   - mud_profiles: usage-description profiles keyed by URL
//   - devices: discovered devices and their MUD associations
//   - config: named counter/flag rows, including the firewall config version
//
// SQLite via modernc.org/sqlite (pure Go, no CGO) with WAL mode. Every
// exported operation is individually atomic; callers never need cross-row
// transactions.
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound    = errors.New("row not found")
	ErrStoreClosed = errors.New("store is closed")
)

// Named config rows.
const (
	// ConfigKeyFirewallVersion is the persisted firewall-config version
	// counter, bumped on every structural change.
	ConfigKeyFirewallVersion = "firewall_config_version"
)

// ProfileRow is a persisted usage profile. Data holds the serialized parsed
// profile (base ACL list plus metadata); Override holds the serialized
// locally-authored ACL override list, empty by default.
type ProfileRow struct {
	URL        string    `json:"url"`
	Data       []byte    `json:"data"`
	Override   []byte    `json:"acl_override,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Expiration time.Time `json:"expiration"`
}

// ProfileExpiration is the lightweight projection used by the refresh sweep.
type ProfileExpiration struct {
	URL        string    `json:"url"`
	Expiration time.Time `json:"expiration"`
}

// DeviceRow is a persisted device. IPv4 and IPv6 are optional; a device
// without either is not addressable and never enters a firewall config.
type DeviceRow struct {
	ID              int64     `json:"id"`
	IPv4            string    `json:"ipv4_addr,omitempty"`
	IPv6            string    `json:"ipv6_addr,omitempty"`
	MAC             string    `json:"mac_addr,omitempty"`
	Hostname        string    `json:"hostname,omitempty"`
	VendorClass     string    `json:"vendor_class,omitempty"`
	MudURL          string    `json:"mud_url,omitempty"`
	CollectInfo     bool      `json:"collect_info"`
	LastInteraction time.Time `json:"last_interaction"`
}

// Addressable reports whether the device has at least one IP address.
func (d *DeviceRow) Addressable() bool {
	return d.IPv4 != "" || d.IPv6 != ""
}
