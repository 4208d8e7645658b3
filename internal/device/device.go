// Package device holds the device model, its repository, and the ingestion
// service that turns DHCP lease sightings into persisted devices.
package device

import (
	"time"

	"mudward.io/mudward/internal/profile"
	"mudward.io/mudward/internal/storage"
)

// Device is a discovered network device. Profile is attached after cache
// resolution and is nil for devices without a usable MUD URL; it is never
// persisted here.
type Device struct {
	ID              int64            `json:"id"`
	IPv4            string           `json:"ipv4_addr,omitempty"`
	IPv6            string           `json:"ipv6_addr,omitempty"`
	MAC             string           `json:"mac_addr,omitempty"`
	Hostname        string           `json:"hostname,omitempty"`
	VendorClass     string           `json:"vendor_class,omitempty"`
	MudURL          string           `json:"mud_url,omitempty"`
	CollectInfo     bool             `json:"collect_info"`
	LastInteraction time.Time        `json:"last_interaction"`
	Profile         *profile.Profile `json:"-"`
}

// Addressable reports whether the device can appear in a firewall config.
func (d *Device) Addressable() bool {
	return d.IPv4 != "" || d.IPv6 != ""
}

// Lease is the device-sighting payload carried by a dhcp_request RPC call.
type Lease struct {
	IPv4        string `json:"ipv4_addr,omitempty"`
	IPv6        string `json:"ipv6_addr,omitempty"`
	MAC         string `json:"mac_addr,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	VendorClass string `json:"vendor_class,omitempty"`
	MudURL      string `json:"mud_url,omitempty"`
}

// IP returns the lease's primary address for device lookup.
func (l *Lease) IP() string {
	if l.IPv4 != "" {
		return l.IPv4
	}
	return l.IPv6
}

func fromRow(r *storage.DeviceRow) *Device {
	return &Device{
		ID:              r.ID,
		IPv4:            r.IPv4,
		IPv6:            r.IPv6,
		MAC:             r.MAC,
		Hostname:        r.Hostname,
		VendorClass:     r.VendorClass,
		MudURL:          r.MudURL,
		CollectInfo:     r.CollectInfo,
		LastInteraction: r.LastInteraction,
	}
}

func (d *Device) toRow() *storage.DeviceRow {
	return &storage.DeviceRow{
		ID:              d.ID,
		IPv4:            d.IPv4,
		IPv6:            d.IPv6,
		MAC:             d.MAC,
		Hostname:        d.Hostname,
		VendorClass:     d.VendorClass,
		MudURL:          d.MudURL,
		CollectInfo:     d.CollectInfo,
		LastInteraction: d.LastInteraction,
	}
}
