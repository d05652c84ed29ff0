package domain

// Backend is a registered proxy target. The replication core transports
// Backend rows as opaque payloads (spec.md §3); region/country parsing
// lives here, on the adapter side of the seam.
type Backend struct {
	ID         string
	App        string
	Region     RegionCode
	Country    string
	OverlayIP  string
	Port       uint16
	Healthy    bool
	Weight     uint8
	SoftLimit  uint32
	HardLimit  uint32
}
