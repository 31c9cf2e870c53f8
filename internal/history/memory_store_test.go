package history

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/clicense/internal/license"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verdictFor(url string) license.Verdict {
	return license.Fallback().WithProvenance(url, "")
}

func seed(t *testing.T, s Store, identityID string, n int) []*Entry {
	t.Helper()
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	var out []*Entry
	for i := 0; i < n; i++ {
		e, err := NewEntry(identityID, verdictFor("https://github.com/acme/repo"), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.Append(context.Background(), e))
		out = append(out, e)
	}
	return out
}

func TestNewEntry(t *testing.T) {
	v := verdictFor("https://huggingface.co/x/y")
	e, err := NewEntry("u1", v, time.Now())
	require.NoError(t, err)
	assert.Contains(t, e.ID, "scan_")
	assert.Equal(t, "https://huggingface.co/x/y", e.URL)
	assert.Equal(t, license.FallbackLicenseName, e.LicenseName)
	assert.Equal(t, license.VerdictWarning, e.VerdictType)

	want, err := license.Digest(v)
	require.NoError(t, err)
	assert.Equal(t, want, e.Digest)
}

func TestMemoryStore_ListNewestFirstWithPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	entries := seed(t, s, "u1", 5)
	seed(t, s, "u2", 2)

	page, err := s.List(ctx, "u1", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, entries[4].ID, page.Entries[0].ID)
	assert.Equal(t, entries[3].ID, page.Entries[1].ID)

	page, err = s.List(ctx, "u1", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, entries[2].ID, page.Entries[0].ID)

	page, err = s.List(ctx, "u1", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, entries[0].ID, page.Entries[0].ID)
}

func TestMemoryStore_ListEmpty(t *testing.T) {
	page, err := NewMemoryStore().List(context.Background(), "nobody", "", 10)
	require.NoError(t, err)
	assert.NotNil(t, page.Entries)
	assert.Empty(t, page.Entries)
}

func TestMemoryStore_ListBadCursor(t *testing.T) {
	_, err := NewMemoryStore().List(context.Background(), "u1", "%%%", 10)
	assert.Error(t, err)
}

func TestMemoryStore_RemoveAndClear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	entries := seed(t, s, "u1", 3)

	require.NoError(t, s.Remove(ctx, "u1", entries[1].ID))
	assert.ErrorIs(t, s.Remove(ctx, "u1", entries[1].ID), ErrNotFound)
	assert.ErrorIs(t, s.Remove(ctx, "u2", entries[0].ID), ErrNotFound, "entries are scoped to their owner")

	n, err := s.Clear(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := s.List(ctx, "u1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
}
