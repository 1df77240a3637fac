package device

import "time"

// Status is the registry's view of a device's presence.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a recognised status value.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusOffline
}

// Capabilities describes what a device can do. The structure is open-ended:
// keys name a capability, values carry arbitrary structured detail. New
// device types introduce new keys without a schema change.
type Capabilities map[string]any

// Metadata holds opaque per-device key/value data the hub stores but never
// interprets.
type Metadata map[string]any

// Device is the durable identity record for one device. It matches the
// devices table in migrations/20250120_100000_initial_schema.up.sql.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	Capabilities Capabilities `json:"capabilities"`
	Location     string       `json:"location,omitempty"`
	Metadata     Metadata     `json:"metadata,omitempty"`

	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device. Map fields
// are cloned so modifications to the copy do not affect the original.
// This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d

	cpy.Capabilities = deepCopyMap(d.Capabilities)
	cpy.Metadata = deepCopyMap(d.Metadata)

	if d.LastSeen != nil {
		ls := *d.LastSeen
		cpy.LastSeen = &ls
	}

	return &cpy
}

// deepCopyMap recursively copies a map[string]any, handling nested maps
// and slices. Primitive values are copied by assignment.
func deepCopyMap[M ~map[string]any](m M) M {
	if m == nil {
		return nil
	}
	cpy := make(M, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, item := range val {
			cpy[i] = deepCopyValue(item)
		}
		return cpy
	default:
		return v
	}
}

// View is a read-only snapshot of a device as seen by the registry:
// the identity record plus live connection details when online.
type View struct {
	Device    Device     `json:"device"`
	Connected bool       `json:"connected"`
	SessionID string     `json:"session_id,omitempty"`
	LastSeen  time.Time  `json:"last_seen"`
	Since     *time.Time `json:"connected_since,omitempty"`
}

// Registration carries the fields a device presents in its handshake frame.
type Registration struct {
	DeviceID     string       `json:"device_id"`
	Name         string       `json:"name,omitempty"`
	Type         string       `json:"type"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
	Location     string       `json:"location,omitempty"`
	Metadata     Metadata     `json:"metadata,omitempty"`
}

// RegistrationResult is returned from a successful Register call.
type RegistrationResult struct {
	Device     *Device
	SessionID  string
	Superseded bool // a prior live session was displaced
	Created    bool // identity record was created rather than updated
}

// ListFilter narrows List queries. Zero values mean "any".
type ListFilter struct {
	Type   string
	Status Status
}
