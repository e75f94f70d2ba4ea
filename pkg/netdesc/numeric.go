package netdesc

import "strconv"

// ParseNumeric parses an identity field's textual form: both decimal
// ("4660") and hexadecimal ("0x1234") are accepted, matching the Network
// Description's external JSON-equivalent schema.
func ParseNumeric(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
