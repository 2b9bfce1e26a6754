// Package directory keeps LDAP project groups and PI roles in step with TAS.
//
// Entries follow a fixed naming scheme under the configured base DN:
//
//	cn=<group>,ou=group,<base>     posixGroup, members in memberUid
//	cn=<role>,ou=group,<base>      organizationalRole, occupants in roleOccupant
//	uid=<username>,ou=people,<base>
//
// Writes only ever add entries or values; nothing is removed.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the part of an LDAP connection the directory uses.
type Conn interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
}

// Config holds LDAP connection settings.
type Config struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string
}

// Directory reads and extends project groups.
type Directory struct {
	conn   Conn
	base   string
	logger *slog.Logger
	close  func() error
}

// Dial connects and binds to the configured server.
func Dial(cfg Config, logger *slog.Logger) (*Directory, error) {
	conn, err := ldap.DialURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ldap dial %s: %w", cfg.URL, err)
	}
	if cfg.BindDN != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ldap bind %s: %w", cfg.BindDN, err)
		}
	}
	d := New(conn, cfg.BaseDN, logger)
	d.close = func() error {
		conn.Close()
		return nil
	}
	return d, nil
}

// New wraps an established connection.
func New(conn Conn, baseDN string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{conn: conn, base: baseDN, logger: logger}
}

// Close releases the connection if Dial opened it.
func (d *Directory) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

// GroupDN returns the DN of a group or role entry.
func (d *Directory) GroupDN(name string) string {
	return "cn=" + ldap.EscapeDN(name) + ",ou=group," + d.base
}

// PersonDN returns the DN of a user entry.
func (d *Directory) PersonDN(username string) string {
	return "uid=" + ldap.EscapeDN(username) + ",ou=people," + d.base
}

// EnsureGroup creates the posixGroup name with gid when it does not exist.
func (d *Directory) EnsureGroup(ctx context.Context, name string, gid int64) (created bool, err error) {
	dn := d.GroupDN(name)
	_, found, err := d.lookup(ctx, dn, "memberUid")
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	req := ldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", []string{"top", "posixGroup"})
	req.Attribute("cn", []string{name})
	req.Attribute("gidNumber", []string{strconv.FormatInt(gid, 10)})
	if err := d.conn.Add(req); err != nil {
		return false, fmt.Errorf("ldap add %s: %w", dn, err)
	}
	d.logger.Info("created ldap group", "dn", dn, "gid", gid)
	return true, nil
}

// AddMembers adds usernames to the group's memberUid values and returns the
// ones that were not already members.
func (d *Directory) AddMembers(ctx context.Context, name string, usernames []string) ([]string, error) {
	dn := d.GroupDN(name)
	current, found, err := d.lookup(ctx, dn, "memberUid")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("ldap group %s does not exist", dn)
	}

	missing := missingValues(current, usernames, false)
	if len(missing) == 0 {
		return missing, nil
	}

	req := ldap.NewModifyRequest(dn, nil)
	req.Add("memberUid", missing)
	if err := d.conn.Modify(req); err != nil {
		return nil, fmt.Errorf("ldap modify %s: %w", dn, err)
	}
	d.logger.Info("added ldap group members", "dn", dn, "members", missing)
	return missing, nil
}

// EnsureRoleOccupants makes every username an occupant of role, creating the
// organizationalRole entry when needed. It returns the DNs that were added.
func (d *Directory) EnsureRoleOccupants(ctx context.Context, role string, usernames []string) ([]string, error) {
	dn := d.GroupDN(role)
	wanted := make([]string, len(usernames))
	for i, u := range usernames {
		wanted[i] = d.PersonDN(u)
	}

	current, found, err := d.lookup(ctx, dn, "roleOccupant")
	if err != nil {
		return nil, err
	}

	if !found {
		occupants := missingValues(nil, wanted, true)
		req := ldap.NewAddRequest(dn, nil)
		req.Attribute("objectClass", []string{"top", "organizationalRole"})
		req.Attribute("cn", []string{role})
		if len(occupants) > 0 {
			req.Attribute("roleOccupant", occupants)
		}
		if err := d.conn.Add(req); err != nil {
			return nil, fmt.Errorf("ldap add %s: %w", dn, err)
		}
		d.logger.Info("created ldap role", "dn", dn, "occupants", occupants)
		return occupants, nil
	}

	missing := missingValues(current, wanted, true)
	if len(missing) == 0 {
		return missing, nil
	}
	req := ldap.NewModifyRequest(dn, nil)
	req.Add("roleOccupant", missing)
	if err := d.conn.Modify(req); err != nil {
		return nil, fmt.Errorf("ldap modify %s: %w", dn, err)
	}
	d.logger.Info("added ldap role occupants", "dn", dn, "occupants", missing)
	return missing, nil
}

// lookup reads attr of the entry at dn with a base-scoped search.
func (d *Directory) lookup(ctx context.Context, dn, attr string) (values []string, found bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)",
		[]string{attr},
		nil,
	)
	res, err := d.conn.Search(req)
	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ldap search %s: %w", dn, err)
	}
	if len(res.Entries) == 0 {
		return nil, false, nil
	}
	return res.Entries[0].GetAttributeValues(attr), true, nil
}

// missingValues returns the wanted values not in current, without
// duplicates, in wanted order. DNs compare case-insensitively.
func missingValues(current, wanted []string, foldCase bool) []string {
	norm := func(s string) string {
		s = strings.TrimSpace(s)
		if foldCase {
			return strings.ToLower(s)
		}
		return s
	}
	have := make(map[string]bool, len(current)+len(wanted))
	for _, v := range current {
		have[norm(v)] = true
	}
	missing := []string{}
	for _, v := range wanted {
		if v == "" || have[norm(v)] {
			continue
		}
		have[norm(v)] = true
		missing = append(missing, v)
	}
	return missing
}
