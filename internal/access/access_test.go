package access

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUserStore struct {
	users map[string]User
}

func (f fakeUserStore) GetUserByUsername(username string) (User, error) {
	u, ok := f.users[username]
	if !ok {
		return User{}, errors.New("user not found")
	}
	return u, nil
}

type fakeGroupStore struct {
	groupsForUser map[string][]string
	aliasesByGroup map[string][]string
}

func (f fakeGroupStore) GroupsForUser(username string) ([]string, error) {
	return f.groupsForUser[username], nil
}

func (f fakeGroupStore) AliasesForGroup(group string) ([]string, error) {
	return f.aliasesByGroup[group], nil
}

type fakeRegistry struct {
	aliases []string
}

func (f fakeRegistry) AllAliases() ([]string, error) {
	return f.aliases, nil
}

func TestResolveAdminSeesEverything(t *testing.T) {
	users := fakeUserStore{users: map[string]User{"alice": {Username: "alice", Roles: []string{"admin"}}}}
	groups := fakeGroupStore{}
	registry := fakeRegistry{aliases: []string{"A-global", "B-global", "C-internal"}}

	r := New(users, groups, registry)
	allowed, err := r.Resolve("alice", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A-global", "B-global", "C-internal"}, allowed)
}

func TestResolveAdminRequestIntersectsWithFullSet(t *testing.T) {
	users := fakeUserStore{users: map[string]User{"alice": {Username: "alice", Roles: []string{"admin"}}}}
	registry := fakeRegistry{aliases: []string{"A-global", "B-global"}}

	r := New(users, fakeGroupStore{}, registry)
	allowed, err := r.Resolve("alice", []string{"A-global", "nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A-global"}, allowed)
}

func TestResolveNonAdminLimitedToGroupAliases(t *testing.T) {
	users := fakeUserStore{users: map[string]User{"bob": {Username: "bob", Roles: []string{"user"}}}}
	groups := fakeGroupStore{
		groupsForUser:  map[string][]string{"bob": {"team-x"}},
		aliasesByGroup: map[string][]string{"team-x": {"A-global"}},
	}
	registry := fakeRegistry{aliases: []string{"A-global", "B-global"}}

	r := New(users, groups, registry)
	allowed, err := r.Resolve("bob", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A-global"}, allowed)
}

func TestResolveNonAdminRequestOutsideGroupReturnsEmpty(t *testing.T) {
	users := fakeUserStore{users: map[string]User{"bob": {Username: "bob", Roles: []string{"user"}}}}
	groups := fakeGroupStore{
		groupsForUser:  map[string][]string{"bob": {"team-x"}},
		aliasesByGroup: map[string][]string{"team-x": {"A-global"}},
	}

	r := New(users, groups, fakeRegistry{})
	allowed, err := r.Resolve("bob", []string{"B-global"})
	require.NoError(t, err)
	assert.Empty(t, allowed)
}

func TestResolveRereadsRoleEveryCallNotCached(t *testing.T) {
	users := &mutableUserStore{user: User{Username: "carol", Roles: []string{"user"}}}
	groups := fakeGroupStore{
		groupsForUser:  map[string][]string{"carol": {"team-x"}},
		aliasesByGroup: map[string][]string{"team-x": {"A-global"}},
	}
	registry := fakeRegistry{aliases: []string{"A-global", "B-global"}}

	r := New(users, groups, registry)

	allowed, err := r.Resolve("carol", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A-global"}, allowed, "non-admin sees only group-allowed aliases")

	users.user.Roles = []string{"admin"}

	allowed, err = r.Resolve("carol", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A-global", "B-global"}, allowed,
		"a role change must take effect on the very next Resolve call, never cached")
}

type mutableUserStore struct {
	user User
}

func (m *mutableUserStore) GetUserByUsername(username string) (User, error) {
	return m.user, nil
}
