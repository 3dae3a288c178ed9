// Package access implements the stateless allowed-alias resolution spec
// §4.10 describes: admins see every registered alias, everyone else sees
// the intersection of their group's allowed aliases and whatever the
// caller explicitly requested. It is grounded on auth.User's
// role-checking helpers (HasRole/IsAdmin) and auth.UserStore's
// lookup-by-username shape, narrowed to the single read this package
// actually needs so it depends on an interface, not the teacher's full
// CouchDB-backed user store.
package access

// RoleAdmin is the role name that grants access to every registered
// alias, mirroring auth.RoleAdmin.
const RoleAdmin = "admin"

// User is the narrow view of an account this package needs: its
// username (to look up group membership) and current roles (to decide
// admin bypass). Resolve re-reads this from UserStore on every call --
// it is never cached on a request-scoped struct -- so a role change
// takes effect on the very next request (spec §8 invariant 8, guards
// against the stale-role-caching regression the source project's test
// suite calls out by name).
type User struct {
	Username string
	Roles    []string
}

// IsAdmin reports whether u has the admin role.
func (u User) IsAdmin() bool {
	for _, r := range u.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// UserStore resolves a username to its current User record. Implementations
// must hit the authoritative store on every call; Resolve relies on this
// to re-read roles fresh each time rather than trusting a cached value.
type UserStore interface {
	GetUserByUsername(username string) (User, error)
}

// GroupStore answers the two group-membership questions Resolve needs:
// which groups a user belongs to, and which aliases a group may see.
type GroupStore interface {
	GroupsForUser(username string) ([]string, error)
	AliasesForGroup(group string) ([]string, error)
}

// Registry lists every alias currently known to the system, used as the
// admin's unrestricted view.
type Registry interface {
	AllAliases() ([]string, error)
}

// Resolver implements the stateless (user, requestedAliases?) ->
// allowedAliases function spec §4.10 describes.
type Resolver struct {
	users    UserStore
	groups   GroupStore
	registry Registry
}

// New builds a Resolver from its three collaborators.
func New(users UserStore, groups GroupStore, registry Registry) *Resolver {
	return &Resolver{users: users, groups: groups, registry: registry}
}

// Resolve returns the aliases username may query. If requestedAliases is
// non-empty, the result is intersected with it; an empty/nil
// requestedAliases means "no restriction beyond the user's own access".
// Admins always receive the full registry set (intersected with
// requestedAliases, if given) without consulting group membership at all.
func (r *Resolver) Resolve(username string, requestedAliases []string) ([]string, error) {
	user, err := r.users.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}

	var allowed []string
	if user.IsAdmin() {
		all, err := r.registry.AllAliases()
		if err != nil {
			return nil, err
		}
		allowed = all
	} else {
		allowed, err = r.allowedForNonAdmin(username)
		if err != nil {
			return nil, err
		}
	}

	if len(requestedAliases) == 0 {
		return allowed, nil
	}
	return intersect(allowed, requestedAliases), nil
}

// IsAdmin reports whether username currently holds the admin role,
// re-reading UserStore on every call for the same freshness reason as
// Resolve -- callers must never cache this across requests.
func (r *Resolver) IsAdmin(username string) (bool, error) {
	user, err := r.users.GetUserByUsername(username)
	if err != nil {
		return false, err
	}
	return user.IsAdmin(), nil
}

func (r *Resolver) allowedForNonAdmin(username string) ([]string, error) {
	groups, err := r.groups.GroupsForUser(username)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var allowed []string
	for _, g := range groups {
		aliases, err := r.groups.AliasesForGroup(g)
		if err != nil {
			return nil, err
		}
		for _, a := range aliases {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			allowed = append(allowed, a)
		}
	}
	return allowed, nil
}

func intersect(allowed, requested []string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}
	var out []string
	for _, r := range requested {
		if _, ok := allowedSet[r]; ok {
			out = append(out, r)
		}
	}
	return out
}
