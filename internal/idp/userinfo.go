package idp

import (
	"encoding/json"
	"fmt"
	"sort"
)

// UserInfo is the canonical identity returned by the identity provider's
// userinfo endpoint.  It is transient: fetched per resolution, never stored
// as-is.
type UserInfo struct {
	// ID is the stable external id.  It is kept as an opaque string and is
	// never parsed as an integer, even though the provider reports numbers
	// today.
	ID       string
	Email    string
	Nickname string
	FullName string
	Roles    []string
}

// userInfoWire tolerates the provider's quirks: the id may arrive as a JSON
// number or a string, under either "id" or "external_id", and roles may be a
// list of names or a name->bool mapping.
type userInfoWire struct {
	ID         json.RawMessage `json:"id"`
	ExternalID json.RawMessage `json:"external_id"`
	Email      string          `json:"email"`
	Nickname   string          `json:"nickname"`
	FullName   string          `json:"full_name"`
	Roles      json.RawMessage `json:"roles"`
}

func (u *UserInfo) UnmarshalJSON(data []byte) error {
	var wire userInfoWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	raw := wire.ID
	if len(raw) == 0 {
		raw = wire.ExternalID
	}
	id, err := decodeScalarString(raw)
	if err != nil {
		return fmt.Errorf("userinfo: invalid id: %w", err)
	}

	roles, err := decodeRoles(wire.Roles)
	if err != nil {
		return fmt.Errorf("userinfo: invalid roles: %w", err)
	}

	u.ID = id
	u.Email = wire.Email
	u.Nickname = wire.Nickname
	u.FullName = wire.FullName
	u.Roles = roles
	return nil
}

func decodeScalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func decodeRoles(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		sort.Strings(names)
		return names, nil
	}
	var flags map[string]bool
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, err
	}
	names = make([]string, 0, len(flags))
	for name, granted := range flags {
		if granted {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
