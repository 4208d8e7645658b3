// Package protocol defines the RPC argument and reply types exchanged
// between the controller and its enforcers.
package protocol

import (
	"mudward.io/mudward/internal/device"
	"mudward.io/mudward/internal/firewall"
)

// HeartbeatArgs is sent periodically by an enforcer. Version carries the
// configuration version the enforcer currently applies; nil means it has
// none yet and always receives a full configuration.
type HeartbeatArgs struct {
	Version *uint64 `json:"version"`
}

// HeartbeatReply returns the freshly assembled configuration, or a nil
// Config when the caller's version is already current.
type HeartbeatReply struct {
	Config *firewall.EnforcerConfig `json:"config"`
}

// DHCPRequestArgs forwards a DHCP lease event observed by an enforcer.
type DHCPRequestArgs struct {
	Lease device.Lease `json:"lease"`
}

// DHCPRequestReply is empty; errors travel through the RPC error channel.
type DHCPRequestReply struct{}
