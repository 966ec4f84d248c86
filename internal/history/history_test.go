package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu      sync.Mutex
	saved   map[Identity][]Turn
	saveErr error
	loadErr error
}

func (m *memPersister) SaveTurn(_ context.Context, id Identity, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.saved == nil {
		m.saved = make(map[Identity][]Turn)
	}
	m.saved[id] = append(m.saved[id], t)
	return nil
}

func (m *memPersister) LoadTurns(_ context.Context, id Identity) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]Turn(nil), m.saved[id]...), nil
}

func TestStore_AlternatingExchanges(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	id := NewIdentity("slack", "U1")

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, s.Append(ctx, id, UserText(fmt.Sprintf("q%d", i))))
		require.NoError(t, s.Append(ctx, id, AssistantText(fmt.Sprintf("a%d", i))))
	}

	h := s.History(id)
	require.Len(t, h, 2*n)
	for i, turn := range h {
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		require.Equal(t, want, turn.Role, "turn %d", i)
		require.False(t, turn.CreatedAt.IsZero())
	}
}

func TestStore_RejectsEmptyUserTurn(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	id := NewIdentity("telegram", "1")

	require.ErrorIs(t, s.Append(ctx, id, UserText("   ")), ErrEmptyTurn)
	require.ErrorIs(t, s.Append(ctx, id, UserParts(TextPart(""))), ErrEmptyTurn)
	require.ErrorIs(t, s.Append(ctx, id, Turn{Role: "system", Text: "x"}), ErrInvalidRole)
	require.Equal(t, 0, s.Len(id))
}

func TestStore_SnapshotIsReadOnly(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	id := NewIdentity("slack", "U2")
	require.NoError(t, s.Append(ctx, id, UserParts(TextPart("look"), ImagePart("aGk=", "image/png"))))

	h := s.History(id)
	h[0].Parts[0].Text = "mutated"

	again := s.History(id)
	require.Len(t, again, 1)
	require.Equal(t, "look", again[0].Parts[0].Text)
}

func TestStore_GetOrCreateIsLazy(t *testing.T) {
	s := NewStore()
	id := NewIdentity("slack", "U3")
	require.Nil(t, s.History(id))
	require.Empty(t, s.GetOrCreate(context.Background(), id))
	require.Equal(t, 0, s.Len(id))
}

func TestStore_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	a := NewIdentity("slack", "A")
	b := NewIdentity("slack", "B")

	const perUser = 200
	var wg sync.WaitGroup
	for _, id := range []Identity{a, b} {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(id Identity, i int) {
				defer wg.Done()
				assert.NoError(t, s.Append(ctx, id, UserText(fmt.Sprintf("%s-%d", id, i))))
			}(id, i)
		}
	}
	wg.Wait()

	for _, id := range []Identity{a, b} {
		h := s.History(id)
		require.Len(t, h, perUser)
		seen := make(map[string]bool, perUser)
		for _, turn := range h {
			require.Contains(t, turn.Text, string(id)+"-")
			require.False(t, seen[turn.Text], "duplicate %s", turn.Text)
			seen[turn.Text] = true
		}
	}
}

func TestStore_WriteThroughAndWarm(t *testing.T) {
	p := &memPersister{}
	ctx := context.Background()
	id := NewIdentity("telegram", "42")

	first := NewStore(WithPersister(p))
	require.NoError(t, first.Append(ctx, id, UserText("hallo")))
	require.NoError(t, first.Append(ctx, id, AssistantText("servus")))
	require.Len(t, p.saved[id], 2)

	restarted := NewStore(WithPersister(p))
	h := restarted.GetOrCreate(ctx, id)
	require.Len(t, h, 2)
	require.Equal(t, "hallo", h[0].Text)

	require.NoError(t, restarted.Append(ctx, id, UserText("noch was")))
	require.Equal(t, 3, restarted.Len(id))
}

func TestStore_PersistenceFailureKeepsMemory(t *testing.T) {
	p := &memPersister{saveErr: errors.New("disk full"), loadErr: errors.New("locked")}
	s := NewStore(WithPersister(p))
	id := NewIdentity("slack", "U9")

	require.NoError(t, s.Append(context.Background(), id, UserText("hi")))
	require.Equal(t, 1, s.Len(id))
}
