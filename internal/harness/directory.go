package harness

import (
	"context"
	"slices"
)

// memDirectory is an in-memory LDAP directory for group runs.
type memDirectory struct {
	groups map[string][]string
	gids   map[string]int64
	roles  map[string][]string
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		groups: make(map[string][]string),
		gids:   make(map[string]int64),
		roles:  make(map[string][]string),
	}
}

func (d *memDirectory) EnsureGroup(_ context.Context, name string, gid int64) (bool, error) {
	if _, ok := d.groups[name]; ok {
		return false, nil
	}
	d.groups[name] = []string{}
	d.gids[name] = gid
	return true, nil
}

func (d *memDirectory) AddMembers(_ context.Context, name string, usernames []string) ([]string, error) {
	return addMissing(d.groups, name, usernames), nil
}

func (d *memDirectory) EnsureRoleOccupants(_ context.Context, role string, usernames []string) ([]string, error) {
	return addMissing(d.roles, role, usernames), nil
}

func addMissing(m map[string][]string, key string, values []string) []string {
	added := []string{}
	for _, v := range values {
		if !slices.Contains(m[key], v) {
			m[key] = append(m[key], v)
			added = append(added, v)
		}
	}
	return added
}

// members returns the sorted members of group and whether it exists.
func (d *memDirectory) members(group string) ([]string, bool) {
	m, ok := d.groups[group]
	if !ok {
		return nil, false
	}
	out := slices.Clone(m)
	slices.Sort(out)
	return out, true
}
