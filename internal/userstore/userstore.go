// Package userstore is the Postgres-backed source of truth for accounts
// and group-to-alias grants that internal/access.Resolver consults on
// every request. It is grounded on auth/user.go's User shape (narrowed to
// the username/roles fields access.User actually needs) and on
// registry.GormStore's AutoMigrate+logrus wiring, generalized from a
// single golden_repos_metadata table to the three tables group access
// resolution needs: accounts and their CSV role list, group memberships,
// and group-to-alias grants.
package userstore

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sourcewell/goldenindex/internal/access"
	"github.com/sourcewell/goldenindex/internal/model"
)

// accountRecord is the Postgres row backing an access.User.
type accountRecord struct {
	Username string `gorm:"primaryKey;column:username"`
	RolesCSV string `gorm:"column:roles"`
}

func (accountRecord) TableName() string { return "accounts" }

// membershipRecord maps a username to one group it belongs to.
type membershipRecord struct {
	Username string `gorm:"primaryKey;column:username"`
	Group    string `gorm:"primaryKey;column:group_name"`
}

func (membershipRecord) TableName() string { return "group_memberships" }

// groupAliasRecord maps a group to one alias it may see.
type groupAliasRecord struct {
	Group string `gorm:"primaryKey;column:group_name"`
	Alias string `gorm:"primaryKey;column:alias"`
}

func (groupAliasRecord) TableName() string { return "group_aliases" }

// Store implements access.UserStore and access.GroupStore against
// Postgres. Every method re-reads the database on every call -- the same
// freshness discipline access.Resolver itself requires (spec §8
// invariant 8) -- so this package must never cache a row across calls.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

var (
	_ access.UserStore  = (*Store)(nil)
	_ access.GroupStore = (*Store)(nil)
)

// Open wraps an already-connected *gorm.DB and runs the additive schema
// migration for the three tables this package owns.
func Open(db *gorm.DB, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := db.AutoMigrate(&accountRecord{}, &membershipRecord{}, &groupAliasRecord{}); err != nil {
		return nil, fmt.Errorf("userstore: migrate: %w", err)
	}
	return &Store{db: db, log: log.WithField("component", "userstore")}, nil
}

// GetUserByUsername satisfies access.UserStore.
func (s *Store) GetUserByUsername(username string) (access.User, error) {
	var rec accountRecord
	err := s.db.First(&rec, "username = ?", username).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return access.User{}, model.ErrForbidden
		}
		return access.User{}, fmt.Errorf("userstore: get user %s: %w", username, err)
	}
	return access.User{Username: rec.Username, Roles: splitCSV(rec.RolesCSV)}, nil
}

// UpsertUser creates or updates an account's role list. Used by
// administrative tooling (not the query-serving hot path) to grant or
// revoke the admin role.
func (s *Store) UpsertUser(username string, roles []string) error {
	rec := accountRecord{Username: username, RolesCSV: joinCSV(roles)}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"roles"}),
	}).Create(&rec).Error
}

// GroupsForUser satisfies access.GroupStore.
func (s *Store) GroupsForUser(username string) ([]string, error) {
	var recs []membershipRecord
	if err := s.db.Where("username = ?", username).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("userstore: groups for %s: %w", username, err)
	}
	groups := make([]string, len(recs))
	for i, r := range recs {
		groups[i] = r.Group
	}
	return groups, nil
}

// AliasesForGroup satisfies access.GroupStore.
func (s *Store) AliasesForGroup(group string) ([]string, error) {
	var recs []groupAliasRecord
	if err := s.db.Where("group_name = ?", group).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("userstore: aliases for group %s: %w", group, err)
	}
	aliases := make([]string, len(recs))
	for i, r := range recs {
		aliases[i] = r.Alias
	}
	return aliases, nil
}

// AddUserToGroup grants username membership in group. Idempotent.
func (s *Store) AddUserToGroup(username, group string) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&membershipRecord{Username: username, Group: group}).Error
}

// GrantGroupAlias grants every member of group visibility into alias.
// Idempotent.
func (s *Store) GrantGroupAlias(group, alias string) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&groupAliasRecord{Group: group, Alias: alias}).Error
}

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinCSV(roles []string) string {
	return strings.Join(roles, ",")
}
