package directory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = "dc=chameleoncloud,dc=org"

// memConn is an in-memory LDAP tree keyed by DN.
type memConn struct {
	entries  map[string]map[string][]string
	adds     int
	modifies int
}

func newMemConn() *memConn {
	return &memConn{entries: make(map[string]map[string][]string)}
}

func (m *memConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	attrs, ok := m.entries[req.BaseDN]
	if !ok {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
	}
	return &ldap.SearchResult{Entries: []*ldap.Entry{ldap.NewEntry(req.BaseDN, attrs)}}, nil
}

func (m *memConn) Add(req *ldap.AddRequest) error {
	if _, ok := m.entries[req.DN]; ok {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("exists"))
	}
	attrs := make(map[string][]string)
	for _, a := range req.Attributes {
		attrs[a.Type] = append([]string{}, a.Vals...)
	}
	m.entries[req.DN] = attrs
	m.adds++
	return nil
}

func (m *memConn) Modify(req *ldap.ModifyRequest) error {
	attrs, ok := m.entries[req.DN]
	if !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
	}
	for _, c := range req.Changes {
		attrs[c.Modification.Type] = append(attrs[c.Modification.Type], c.Modification.Vals...)
	}
	m.modifies++
	return nil
}

func newTestDirectory() (*Directory, *memConn) {
	conn := newMemConn()
	return New(conn, base, slog.New(slog.NewTextHandler(io.Discard, nil))), conn
}

func TestGroupDN(t *testing.T) {
	d, _ := newTestDirectory()
	assert.Equal(t, "cn=CHI-1,ou=group,dc=chameleoncloud,dc=org", d.GroupDN("CHI-1"))
	assert.Equal(t, "uid=alice,ou=people,dc=chameleoncloud,dc=org", d.PersonDN("alice"))
	assert.Equal(t, `cn=a\,b,ou=group,dc=chameleoncloud,dc=org`, d.GroupDN("a,b"))
}

func TestEnsureGroup_CreatesOnce(t *testing.T) {
	d, conn := newTestDirectory()
	ctx := context.Background()

	created, err := d.EnsureGroup(ctx, "CHI-1", 800001)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = d.EnsureGroup(ctx, "CHI-1", 800001)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, 1, conn.adds)
	entry := conn.entries[d.GroupDN("CHI-1")]
	assert.Equal(t, []string{"top", "posixGroup"}, entry["objectClass"])
	assert.Equal(t, []string{"800001"}, entry["gidNumber"])
}

func TestAddMembers_OnlyMissing(t *testing.T) {
	d, conn := newTestDirectory()
	ctx := context.Background()
	_, err := d.EnsureGroup(ctx, "CHI-1", 1)
	require.NoError(t, err)

	added, err := d.AddMembers(ctx, "CHI-1", []string{"alice", "bob", "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, added)

	added, err = d.AddMembers(ctx, "CHI-1", []string{"bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, added)

	added, err = d.AddMembers(ctx, "CHI-1", []string{"carol"})
	require.NoError(t, err)
	assert.Empty(t, added)

	assert.Equal(t, 2, conn.modifies)
	assert.Equal(t, []string{"alice", "bob", "carol"}, conn.entries[d.GroupDN("CHI-1")]["memberUid"])
}

func TestAddMembers_MissingGroup(t *testing.T) {
	d, _ := newTestDirectory()
	_, err := d.AddMembers(context.Background(), "nope", []string{"alice"})
	assert.Error(t, err)
}

func TestEnsureRoleOccupants(t *testing.T) {
	d, conn := newTestDirectory()
	ctx := context.Background()

	added, err := d.EnsureRoleOccupants(ctx, "CHI-1-pi", []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{d.PersonDN("alice")}, added)
	assert.Equal(t, []string{"top", "organizationalRole"}, conn.entries[d.GroupDN("CHI-1-pi")]["objectClass"])

	// Existing occupants compare case-insensitively.
	conn.entries[d.GroupDN("CHI-1-pi")]["roleOccupant"] = []string{"UID=alice,ou=people,dc=chameleoncloud,dc=org"}
	added, err = d.EnsureRoleOccupants(ctx, "CHI-1-pi", []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{d.PersonDN("bob")}, added)
	assert.Equal(t, 1, conn.modifies)
}

func TestSearchErrorPropagates(t *testing.T) {
	d := New(failingConn{}, base, nil)
	_, err := d.EnsureGroup(context.Background(), "x", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ldap search")
}

func TestDNEscaping(t *testing.T) {
	d, _ := newTestDirectory()
	assert.Equal(t, `cn=\#tag,ou=group,dc=chameleoncloud,dc=org`, d.GroupDN("#tag"))
	assert.Equal(t, `cn=\ padded\ ,ou=group,dc=chameleoncloud,dc=org`, d.GroupDN(" padded "))
	assert.Equal(t, `uid=a\+b=c,ou=people,dc=chameleoncloud,dc=org`, d.PersonDN("a+b=c"))
	assert.Equal(t, `uid=x\;y,ou=people,dc=chameleoncloud,dc=org`, d.PersonDN("x;y"))
}

type failingConn struct{}

func (failingConn) Search(*ldap.SearchRequest) (*ldap.SearchResult, error) {
	return nil, ldap.NewError(ldap.LDAPResultUnavailable, errors.New("server down"))
}
func (failingConn) Add(*ldap.AddRequest) error       { return errors.New("unreachable") }
func (failingConn) Modify(*ldap.ModifyRequest) error { return errors.New("unreachable") }
