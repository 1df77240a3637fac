package device

import (
	"fmt"
	"regexp"
)

const (
	maxIDLength   = 128
	maxNameLength = 255
	maxTypeLength = 64
)

// idPattern permits the identifiers devices actually present: letters,
// digits, and the separators common in serial numbers and MAC-derived ids.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._:-]*$`)

// ValidateID checks a device identifier.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ValidateRegistration checks the fields of a registration handshake.
// The capability payload is validated separately via ParseCapabilities.
func ValidateRegistration(reg Registration) error {
	if err := ValidateID(reg.DeviceID); err != nil {
		return err
	}
	if len(reg.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	if reg.Type == "" || len(reg.Type) > maxTypeLength {
		return fmt.Errorf("%w: %q", ErrInvalidType, reg.Type)
	}
	return nil
}

// ParseCapabilities normalises a decoded capability payload into a
// Capabilities map. Devices report capabilities either as a key/value
// mapping or as a bare list of capability names; anything else is
// rejected with ErrUnknownCapabilityFormat.
func ParseCapabilities(raw any) (Capabilities, error) {
	switch v := raw.(type) {
	case nil:
		return Capabilities{}, nil
	case map[string]any:
		return Capabilities(v), nil
	case Capabilities:
		return v, nil
	case []any:
		caps := make(Capabilities, len(v))
		for _, item := range v {
			name, ok := item.(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("%w: list entries must be capability names", ErrUnknownCapabilityFormat)
			}
			caps[name] = true
		}
		return caps, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnknownCapabilityFormat, raw)
	}
}
