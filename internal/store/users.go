package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// User is a chat user known to the bot.
type User struct {
	ID        int64     `json:"id"`
	Identity  string    `json:"identity"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// HouseholdMember is a person a user plans meals for.
type HouseholdMember struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Relation  string    `json:"relation"`
	CreatedAt time.Time `json:"created_at"`
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var u User
	var created string
	if err := row.Scan(&u.ID, &u.Identity, &u.Name, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

// UpsertUser inserts the identity or refreshes its display name when a non-empty one is given.
func (s *Store) UpsertUser(ctx context.Context, identity, name string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
INSERT INTO users (identity, name, created_at) VALUES (?, ?, ?)
ON CONFLICT(identity) DO UPDATE SET name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END
RETURNING id, identity, name, created_at;`, identity, name, formatTime(s.now()))
	u, err := scanUser(row)
	return u, fail("upsert user", err)
}

// GetUser returns the user with the given id or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, identity, name, created_at FROM users WHERE id = ?;`, id)
	u, err := scanUser(row)
	return u, fail("get user", err)
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, identity, name, created_at FROM users ORDER BY id ASC;`)
	if err != nil {
		return nil, fail("list users", err)
	}
	defer rows.Close()

	out := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fail("list users", err)
		}
		out = append(out, u)
	}
	return out, fail("list users", rows.Err())
}

// AddHouseholdMember records a household member for a user.
func (s *Store) AddHouseholdMember(ctx context.Context, m HouseholdMember) (HouseholdMember, error) {
	m.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO household_members (user_id, name, relation, created_at) VALUES (?, ?, ?, ?);`,
		m.UserID, m.Name, m.Relation, formatTime(m.CreatedAt))
	if err != nil {
		return HouseholdMember{}, fail("add household member", err)
	}
	m.ID, err = res.LastInsertId()
	return m, fail("add household member", err)
}

// ListHouseholdMembers returns a user's household members.
func (s *Store) ListHouseholdMembers(ctx context.Context, userID int64) ([]HouseholdMember, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, name, relation, created_at FROM household_members WHERE user_id = ? ORDER BY id ASC;`, userID)
	if err != nil {
		return nil, fail("list household members", err)
	}
	defer rows.Close()

	out := []HouseholdMember{}
	for rows.Next() {
		var m HouseholdMember
		var created string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.Relation, &created); err != nil {
			return nil, fail("list household members", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, fail("list household members", rows.Err())
}
