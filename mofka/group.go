package mofka

import (
	"encoding/json"

	"github.com/spf13/afero"

	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/transport"
)

// GroupMember is one broker process in a deployment.
type GroupMember struct {
	Address string `json:"address"`
}

// Group is the broker membership clients bootstrap from. The first member
// hosts the master directory database.
type Group struct {
	Members []GroupMember `json:"members"`
}

// LoadGroup reads a group file.
func LoadGroup(fs afero.Fs, path string) (Group, error) {
	var group Group
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return group, errext.WithKind(err, errext.InvalidConfig)
	}
	if err := json.Unmarshal(data, &group); err != nil {
		return group, errext.WithKind(err, errext.InvalidConfig)
	}
	if len(group.Members) == 0 {
		return group, errext.Errorf(errext.InvalidConfig, "group file %q lists no members", path)
	}
	return group, nil
}

// SaveGroup writes a group file.
func SaveGroup(fs afero.Fs, path string, group Group) error {
	data, err := json.MarshalIndent(group, "", "  ")
	if err != nil {
		return errext.WithKind(err, errext.InvalidConfig)
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

// Protocol infers the transport protocol from the first member's address.
func (g Group) Protocol() string {
	if len(g.Members) == 0 {
		return ""
	}
	return transport.Protocol(g.Members[0].Address)
}

// Master returns the address of the member hosting the directory.
func (g Group) Master() string {
	if len(g.Members) == 0 {
		return ""
	}
	return g.Members[0].Address
}
