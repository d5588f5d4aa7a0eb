package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	ids     []string
	scanErr error
}

func (f *fakeScanner) GetStatus(_ context.Context, id string) (taskgraph.Status, error) {
	for _, known := range f.ids {
		if known == id {
			return taskgraph.StatusWaiting, nil
		}
	}
	return "", redis.Nil
}

func (f *fakeScanner) ScanTaskIDs(_ context.Context, prefix string) ([]string, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var out []string
	for _, id := range f.ids {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out, nil
}

func TestResolveTaskID(t *testing.T) {
	ctx := context.Background()
	scanner := &fakeScanner{ids: []string{
		"3f2a9c1e-0000-4000-8000-000000000001",
		"3f2a9c1e-0000-4000-8000-000000000002",
		"7b1d44aa-0000-4000-8000-000000000003",
	}}

	t.Run("unique prefix", func(t *testing.T) {
		id, err := ResolveTaskID(ctx, scanner, "7B1D44")
		require.NoError(t, err)
		assert.Equal(t, scanner.ids[2], id)
	})

	t.Run("full ID is verified", func(t *testing.T) {
		id, err := ResolveTaskID(ctx, scanner, scanner.ids[0])
		require.NoError(t, err)
		assert.Equal(t, scanner.ids[0], id)

		_, err = ResolveTaskID(ctx, scanner, "9999aaaa-0000-4000-8000-000000000009")
		var nf *NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := ResolveTaskID(ctx, scanner, "3f2a")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 6 characters")
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := ResolveTaskID(ctx, scanner, "3f2a9c")
		var amb *AmbiguousError
		require.ErrorAs(t, err, &amb)
		assert.Len(t, amb.Matches, 2)
		assert.Contains(t, amb.Describe(), scanner.ids[1])
	})

	t.Run("no match", func(t *testing.T) {
		_, err := ResolveTaskID(ctx, scanner, "abcdef")
		var nf *NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("scan failure", func(t *testing.T) {
		_, err := ResolveTaskID(ctx, &fakeScanner{scanErr: errors.New("boom")}, "abcdef")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to search for task")
	})
}

func TestAmbiguousError_Describe(t *testing.T) {
	matches := make([]string, 13)
	for i := range matches {
		matches[i] = fmt.Sprintf("task-%02d", i)
	}
	msg := (&AmbiguousError{ShortID: "task-0", Matches: matches}).Describe()
	assert.Contains(t, msg, "task-09")
	assert.NotContains(t, msg, "task-10")
	assert.Contains(t, msg, "...and 3 more")
}
