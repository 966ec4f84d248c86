package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naehrwerk/naehrwerk-bot/internal/history"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr(i int) *int { return &i }

func TestUpsertUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.UpsertUser(ctx, "slack:U1", "Anna")
	require.NoError(t, err)
	require.NotZero(t, u.ID)

	again, err := s.UpsertUser(ctx, "slack:U1", "")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)
	assert.Equal(t, "Anna", again.Name, "empty name keeps the stored one")

	renamed, err := s.UpsertUser(ctx, "slack:U1", "Anna B.")
	require.NoError(t, err)
	assert.Equal(t, "Anna B.", renamed.Name)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "slack:U1", got.Identity)

	_, err = s.GetUser(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestMeals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	logged, err := s.LogMeal(ctx, MealRecord{Identity: "telegram:7", UserName: "Ben", MealType: MealLunch, Description: "Linsensuppe", Calories: ptr(420)})
	require.NoError(t, err)
	require.NotZero(t, logged.ID)

	u, err := s.UpsertUser(ctx, "telegram:7", "")
	require.NoError(t, err)

	_, err = s.InsertMeal(ctx, Meal{UserID: u.ID, MealType: MealBreakfast, Description: "Müsli", CreatedAt: now.AddDate(0, 0, -10)})
	require.NoError(t, err)

	all, err := s.ListMeals(ctx, u.ID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Linsensuppe", all[0].Description, "newest first")
	require.NotNil(t, all[0].Calories)
	assert.Equal(t, 420, *all[0].Calories)
	assert.Nil(t, all[1].Calories)

	recent, err := s.ListMeals(ctx, u.ID, now.AddDate(0, 0, -7), 50)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].CreatedAt.Equal(now))
}

func TestInsertMeal_UnknownUserIsPersistenceError(t *testing.T) {
	s := openTestStore(t)
	_, err := s.InsertMeal(context.Background(), Meal{UserID: 42, MealType: MealSnack, Description: "Apfel"})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "insert meal", pe.Op)
}

func TestShoppingLists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	u, err := s.UpsertUser(ctx, "slack:U2", "Cem")
	require.NoError(t, err)

	first, err := s.CreateShoppingList(ctx, ShoppingList{UserID: u.ID, Title: "Wochenmarkt", Items: []ShoppingListItem{
		{Name: "Karotten", Quantity: "1kg"},
		{Name: "  "},
		{Name: "Äpfel", Quantity: "6", Checked: true},
	}})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Len(t, first.Items, 2)

	now = now.Add(time.Hour)
	_, err = s.CreateShoppingList(ctx, ShoppingList{UserID: u.ID, Title: "Drogerie"})
	require.NoError(t, err)

	lists, err := s.ListShoppingLists(ctx, u.ID, 0)
	require.NoError(t, err)
	require.Len(t, lists, 2)
	assert.Equal(t, "Drogerie", lists[0].Title)
	assert.Empty(t, lists[0].Items)
	require.Len(t, lists[1].Items, 2)
	assert.Equal(t, "Karotten", lists[1].Items[0].Name)
	assert.True(t, lists[1].Items[1].Checked)

	limited, err := s.ListShoppingLists(ctx, u.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	_, err = s.CreateShoppingList(ctx, ShoppingList{Title: "orphan"})
	require.ErrorIs(t, err, ErrInvalidList)
}

func TestHouseholdMembers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, err := s.UpsertUser(ctx, "telegram:9", "Dana")
	require.NoError(t, err)

	_, err = s.AddHouseholdMember(ctx, HouseholdMember{UserID: u.ID, Name: "Eli", Relation: "Kind"})
	require.NoError(t, err)

	members, err := s.ListHouseholdMembers(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Eli", members[0].Name)
}

func TestMessageLogRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := history.NewIdentity("slack", "U3")

	require.NoError(t, s.SaveTurn(ctx, id, history.UserParts(history.TextPart("was ist das?"), history.ImagePart("Zm9v", "image/png"))))
	require.NoError(t, s.SaveTurn(ctx, id, history.AssistantText("Ein Apfel.")))
	require.NoError(t, s.SaveTurn(ctx, history.NewIdentity("slack", "other"), history.UserText("x")))

	turns, err := s.LoadTurns(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.True(t, turns[0].HasImage())
	assert.Equal(t, history.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Ein Apfel.", turns[1].Text)

	// The store backs history.Store as its write-through persister.
	hs := history.NewStore(history.WithPersister(s))
	assert.Len(t, hs.GetOrCreate(ctx, id), 2)
}
