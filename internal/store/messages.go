package store

import (
	"context"
	"encoding/json"

	"github.com/naehrwerk/naehrwerk-bot/internal/history"
)

var _ history.Persister = (*Store)(nil)

// SaveTurn appends a conversation turn to the message log.
func (s *Store) SaveTurn(ctx context.Context, identity history.Identity, turn history.Turn) error {
	var parts string
	if turn.IsMultipart() {
		raw, err := json.Marshal(turn.Parts)
		if err != nil {
			return fail("save turn", err)
		}
		parts = string(raw)
	}
	created := turn.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (session_id, role, content, parts, created_at) VALUES (?, ?, ?, ?, ?);`,
		string(identity), string(turn.Role), turn.Text, parts, formatTime(created))
	return fail("save turn", err)
}

// LoadTurns returns all logged turns of a session in chronological order.
func (s *Store) LoadTurns(ctx context.Context, identity history.Identity) ([]history.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, content, parts, created_at FROM messages WHERE session_id = ? ORDER BY id ASC;`, string(identity))
	if err != nil {
		return nil, fail("load turns", err)
	}
	defer rows.Close()

	var out []history.Turn
	for rows.Next() {
		var role, content, parts, created string
		if err := rows.Scan(&role, &content, &parts, &created); err != nil {
			return nil, fail("load turns", err)
		}
		t := history.Turn{Role: history.Role(role), Text: content, CreatedAt: parseTime(created)}
		if parts != "" {
			if err := json.Unmarshal([]byte(parts), &t.Parts); err != nil {
				return nil, fail("load turns", err)
			}
		}
		out = append(out, t)
	}
	return out, fail("load turns", rows.Err())
}
