package store

import (
	"context"
	"database/sql"
	"time"
)

// Meal types recognised by the dashboard.
const (
	MealBreakfast = "breakfast"
	MealLunch     = "lunch"
	MealDinner    = "dinner"
	MealSnack     = "snack"
)

// Meal is a logged meal.
type Meal struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	MealType    string    `json:"meal_type"`
	Description string    `json:"description"`
	Calories    *int      `json:"calories,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MealRecord is a meal to log for a chat identity that may not be known yet.
type MealRecord struct {
	Identity    string
	UserName    string
	MealType    string
	Description string
	Calories    *int
}

// InsertMeal stores a meal for an existing user.
func (s *Store) InsertMeal(ctx context.Context, m Meal) (Meal, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.CreatedAt = m.CreatedAt.UTC()

	var calories sql.NullInt64
	if m.Calories != nil {
		calories = sql.NullInt64{Int64: int64(*m.Calories), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO meals (user_id, meal_type, description, calories, created_at) VALUES (?, ?, ?, ?, ?);`,
		m.UserID, m.MealType, m.Description, calories, formatTime(m.CreatedAt))
	if err != nil {
		return Meal{}, fail("insert meal", err)
	}
	m.ID, err = res.LastInsertId()
	return m, fail("insert meal", err)
}

// LogMeal upserts the record's user and stores the meal.
func (s *Store) LogMeal(ctx context.Context, rec MealRecord) (Meal, error) {
	u, err := s.UpsertUser(ctx, rec.Identity, rec.UserName)
	if err != nil {
		return Meal{}, err
	}
	return s.InsertMeal(ctx, Meal{
		UserID:      u.ID,
		MealType:    rec.MealType,
		Description: rec.Description,
		Calories:    rec.Calories,
	})
}

// ListMeals returns a user's meals newest first. A zero since means no lower bound;
// limit <= 0 means no limit.
func (s *Store) ListMeals(ctx context.Context, userID int64, since time.Time, limit int) ([]Meal, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, meal_type, description, calories, created_at FROM meals
WHERE user_id = ? AND created_at >= ?
ORDER BY created_at DESC, id DESC LIMIT ?;`, userID, formatTime(since), limit)
	if err != nil {
		return nil, fail("list meals", err)
	}
	defer rows.Close()

	out := []Meal{}
	for rows.Next() {
		var m Meal
		var calories sql.NullInt64
		var created string
		if err := rows.Scan(&m.ID, &m.UserID, &m.MealType, &m.Description, &calories, &created); err != nil {
			return nil, fail("list meals", err)
		}
		if calories.Valid {
			c := int(calories.Int64)
			m.Calories = &c
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, fail("list meals", rows.Err())
}
