package bluetooth

import (
	"encoding/hex"
	"strings"

	"github.com/bluetuith-org/blecommand/api/errorkinds"
)

// MacAddress holds a Bluetooth device address.
type MacAddress [6]byte

// NilAddress is the empty address; it keys singleton resources (scanner, advertiser).
var NilAddress MacAddress

// ParseMAC parses an address of the form "AA:BB:CC:DD:EE:FF".
// The '-' and '_' separators are accepted as well.
func ParseMAC(address string) (MacAddress, error) {
	var mac MacAddress

	address = strings.NewReplacer("-", ":", "_", ":").Replace(address)
	parts := strings.Split(address, ":")
	if len(parts) != len(mac) {
		return mac, errorkinds.Wrap(errorkinds.ErrInvalidArgument, "parse-address", address, "Invalid device address")
	}

	for i, part := range parts {
		if len(part) != 2 {
			return mac, errorkinds.Wrap(errorkinds.ErrInvalidArgument, "parse-address", address, "Invalid device address")
		}

		b, err := hex.DecodeString(part)
		if err != nil {
			return mac, errorkinds.Wrap(errorkinds.ErrInvalidArgument, "parse-address", address, "Invalid device address")
		}
		mac[i] = b[0]
	}

	return mac, nil
}

// MustParseMAC is like ParseMAC but panics on malformed input.
func MustParseMAC(address string) MacAddress {
	mac, err := ParseMAC(address)
	if err != nil {
		panic(err)
	}

	return mac
}

// IsNil reports whether the address is empty.
func (m MacAddress) IsNil() bool {
	return m == NilAddress
}

// String converts a MacAddress to its upper-case colon separated form.
func (m MacAddress) String() string {
	if m.IsNil() {
		return ""
	}

	sb := strings.Builder{}
	sb.Grow(17)

	for i, b := range m {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{b})))
	}

	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (m MacAddress) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MacAddress) UnmarshalText(text []byte) error {
	mac, err := ParseMAC(string(text))
	if err != nil {
		return err
	}

	*m = mac

	return nil
}
