package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Addr is a virtual address inside the analyzed binary. On the wire it is
// always a hex string ("0x11209"); in memory it is a plain integer so that
// two references to the same routine compare equal regardless of formatting.
type Addr uint64

func (a Addr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

func (a Addr) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Addr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Some backends emit bare numbers; accept those too.
		var n uint64
		if err2 := json.Unmarshal(data, &n); err2 == nil {
			*a = Addr(n)
			return nil
		}
		return err
	}
	v, err := ParseAddr(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAddr accepts "0x1234", "1234" (hex) or a decimal string.
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("backend: empty address")
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		n, err := strconv.ParseUint(rest, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("backend: bad address %q: %w", s, err)
		}
		return Addr(n), nil
	}
	if n, err := strconv.ParseUint(s, 16, 64); err == nil {
		return Addr(n), nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("backend: bad address %q", s)
	}
	return Addr(n), nil
}

// FunctionRef identifies a routine in the binary. Identity is the address;
// the name is whatever the backend has assigned and may be a placeholder
// like sub_11170.
type FunctionRef struct {
	Address Addr   `json:"address"`
	Name    string `json:"func_name"`
}

func (f FunctionRef) String() string {
	return fmt.Sprintf("%s @ %s", f.Name, f.Address)
}

// Import is one entry of the binary's import table.
type Import struct {
	Name    string `json:"name"`
	Address Addr   `json:"address"`
}
