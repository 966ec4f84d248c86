package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidList is returned for shopping lists without an owner.
var ErrInvalidList = errors.New("shopping list needs a user_id")

// ShoppingList is a user's shopping list with its items.
type ShoppingList struct {
	ID        string             `json:"id"`
	UserID    int64              `json:"user_id"`
	Title     string             `json:"title"`
	CreatedAt time.Time          `json:"created_at"`
	Items     []ShoppingListItem `json:"shopping_list_items"`
}

// ShoppingListItem is one entry of a shopping list.
type ShoppingListItem struct {
	ID       int64  `json:"id"`
	ListID   string `json:"list_id"`
	Name     string `json:"name"`
	Quantity string `json:"quantity"`
	Checked  bool   `json:"checked"`
}

// CreateShoppingList stores a list and its items in one transaction and returns the created row.
func (s *Store) CreateShoppingList(ctx context.Context, l ShoppingList) (ShoppingList, error) {
	if l.UserID <= 0 {
		return ShoppingList{}, fail("create shopping list", ErrInvalidList)
	}
	l.ID = uuid.NewString()
	l.CreatedAt = s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ShoppingList{}, fail("create shopping list", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO shopping_lists (id, user_id, title, created_at) VALUES (?, ?, ?, ?);`,
		l.ID, l.UserID, l.Title, formatTime(l.CreatedAt)); err != nil {
		return ShoppingList{}, fail("create shopping list", err)
	}

	items := make([]ShoppingListItem, 0, len(l.Items))
	for _, it := range l.Items {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" {
			continue
		}
		it.ListID = l.ID
		res, err := tx.ExecContext(ctx, `INSERT INTO shopping_list_items (list_id, name, quantity, checked) VALUES (?, ?, ?, ?);`,
			it.ListID, it.Name, it.Quantity, it.Checked)
		if err != nil {
			return ShoppingList{}, fail("create shopping list item", err)
		}
		if it.ID, err = res.LastInsertId(); err != nil {
			return ShoppingList{}, fail("create shopping list item", err)
		}
		items = append(items, it)
	}
	l.Items = items

	if err := tx.Commit(); err != nil {
		return ShoppingList{}, fail("create shopping list", err)
	}
	return l, nil
}

// ListShoppingLists returns a user's lists newest first with nested items; limit <= 0 means all.
func (s *Store) ListShoppingLists(ctx context.Context, userID int64, limit int) ([]ShoppingList, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, title, created_at FROM shopping_lists WHERE user_id = ? ORDER BY created_at DESC LIMIT ?;`, userID, limit)
	if err != nil {
		return nil, fail("list shopping lists", err)
	}
	lists := []ShoppingList{}
	for rows.Next() {
		var l ShoppingList
		var created string
		if err := rows.Scan(&l.ID, &l.UserID, &l.Title, &created); err != nil {
			rows.Close()
			return nil, fail("list shopping lists", err)
		}
		l.CreatedAt = parseTime(created)
		l.Items = []ShoppingListItem{}
		lists = append(lists, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fail("list shopping lists", err)
	}

	// Items are read after the list cursor is closed; the pool holds a single connection.
	for i := range lists {
		items, err := s.listItems(ctx, lists[i].ID)
		if err != nil {
			return nil, err
		}
		lists[i].Items = items
	}
	return lists, nil
}

func (s *Store) listItems(ctx context.Context, listID string) ([]ShoppingListItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, list_id, name, quantity, checked FROM shopping_list_items WHERE list_id = ? ORDER BY id ASC;`, listID)
	if err != nil {
		return nil, fail("list shopping list items", err)
	}
	defer rows.Close()

	items := []ShoppingListItem{}
	for rows.Next() {
		var it ShoppingListItem
		if err := rows.Scan(&it.ID, &it.ListID, &it.Name, &it.Quantity, &it.Checked); err != nil {
			return nil, fail("list shopping list items", err)
		}
		items = append(items, it)
	}
	return items, fail("list shopping list items", rows.Err())
}
