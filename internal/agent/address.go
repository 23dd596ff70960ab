package agent

import (
	"strconv"
	"strings"
)

// ParseAddress parses native address text. It accepts 0x-prefixed and
// bare hex, an address-space prefix such as "ram:", and the split form
// "00000000`00401000".
func ParseAddress(text string) (uint64, error) {
	s := strings.TrimSpace(text)
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.ReplaceAll(s, "`", "")
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if s == "" {
		return 0, &AddressFormatError{Text: text}
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, &AddressFormatError{Text: text, Err: err}
	}
	return v, nil
}
