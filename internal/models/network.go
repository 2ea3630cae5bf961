package models

// NetworkType is the connectivity classification reported by the host.
type NetworkType string

const (
	NetworkUnknown  NetworkType = "unknown"
	NetworkWiFi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkEthernet NetworkType = "ethernet"
	NetworkNone     NetworkType = "none"
)

// Metered reports whether data-saver mode applies on this network.
func (n NetworkType) Metered() bool {
	return n == NetworkCellular
}
