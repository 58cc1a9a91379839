package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tutorchat/internal/domain"
)

func TestInMemoryRecent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	base := time.Now()
	for i, content := range []string{"q1", "a1", "q2", "a2"} {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		require.NoError(t, s.Append(ctx, domain.Turn{
			SessionID: "S1",
			Role:      role,
			Content:   content,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.Append(ctx, domain.Turn{SessionID: "S2", Role: domain.RoleUser, Content: "other"}))

	turns, err := s.Recent(ctx, "S1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "a1", turns[0].Content)
	assert.Equal(t, "a2", turns[2].Content)

	all, err := s.Recent(ctx, "S1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := s.Recent(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInMemoryRecentIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	require.NoError(t, s.Append(ctx, domain.Turn{SessionID: "S1", Content: "original"}))

	turns, _ := s.Recent(ctx, "S1", 0)
	turns[0].Content = "mutated"

	again, _ := s.Recent(ctx, "S1", 0)
	assert.Equal(t, "original", again[0].Content)
}
