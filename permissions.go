package main

import (
	"context"
	"database/sql"
	"strings"
)

// aggregatePermissions walks the user's role assignments in one flattened
// join and builds the two lookup maps the session token embeds. Keys are
// lowercased role/permission names; names differing only by case collide
// deliberately (last write wins). A user with no roles gets empty maps.
func aggregatePermissions(ctx context.Context, userID int64) (map[string]int64, map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, `
SELECT r.name, r.id, p.name, p.id
  FROM user_roles ur
  JOIN roles r             ON r.id = ur.role_id
  LEFT JOIN role_permissions rp ON rp.role_id = r.id
  LEFT JOIN permissions p       ON p.id = rp.permission_id
 WHERE ur.user_id = $1
`, userID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	roles := make(map[string]int64)
	perms := make(map[string]int64)
	for rows.Next() {
		var (
			roleName string
			roleID   int64
			permName sql.NullString
			permID   sql.NullInt64
		)
		if err := rows.Scan(&roleName, &roleID, &permName, &permID); err != nil {
			return nil, nil, err
		}
		if name := strings.ToLower(strings.TrimSpace(roleName)); name != "" {
			roles[name] = roleID
		}
		if permName.Valid && permID.Valid {
			if name := strings.ToLower(strings.TrimSpace(permName.String)); name != "" {
				perms[name] = permID.Int64
			}
		}
	}
	return roles, perms, rows.Err()
}

// UserSnapshot is the reduced user record embedded in the session token's
// res claim and mirrored into the session store. Field names are the
// contract with the frontend.
type UserSnapshot struct {
	ID          int64            `json:"Id"`
	Name        string           `json:"Name"`
	Email       string           `json:"Email,omitempty"`
	DisplayName string           `json:"DisplayName,omitempty"`
	Age         int64            `json:"Age,omitempty"`
	Sex         string           `json:"Sex,omitempty"`
	Locale      string           `json:"Locale,omitempty"`
	ExternalID  string           `json:"OpenId,omitempty"`
	Roles       map[string]int64 `json:"Roles"`
	Permissions map[string]int64 `json:"Permissions"`
}

func snapshotUser(u User, roles, perms map[string]int64) UserSnapshot {
	if roles == nil {
		roles = map[string]int64{}
	}
	if perms == nil {
		perms = map[string]int64{}
	}
	return UserSnapshot{
		ID:          u.ID,
		Name:        u.Name,
		Email:       u.Email.String,
		DisplayName: u.DisplayName.String,
		Age:         u.Age.Int64,
		Sex:         u.Sex.String,
		Locale:      u.Locale.String,
		ExternalID:  u.ExternalID.String,
		Roles:       roles,
		Permissions: perms,
	}
}

// ensureRoles inserts the named roles if they do not exist yet. Used at
// startup to seed a fresh database.
func ensureRoles(ctx context.Context, names []string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO roles (name)
VALUES ($1)
ON CONFLICT (name) DO NOTHING
`, name); err != nil {
			return err
		}
	}
	return nil
}
