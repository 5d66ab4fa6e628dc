package accounts

import (
	"context"
	"os"
	"testing"

	"github.com/example/slotwatch/internal/crypto"
	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/migrate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, validate("42", "main", "user@example.com", "pw"))
	assert.Error(t, validate("", "main", "user", "pw"))
	assert.Error(t, validate("42", " ", "user", "pw"))
	assert.Error(t, validate("42", "main", "", "pw"))
	assert.Error(t, validate("42", "main", "user", ""))
}

func TestSecretsBoundToOwnerAndLabel(t *testing.T) {
	s, err := crypto.New(make([]byte, 32))
	require.NoError(t, err)

	sealed, err := s.Seal("hunter2", aad("42", "main"))
	require.NoError(t, err)

	pt, err := s.Open(sealed, aad("42", "main"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pt)

	_, err = s.Open(sealed, aad("43", "main"))
	assert.Error(t, err)
	_, err = s.Open(sealed, aad("42", "spare"))
	assert.Error(t, err)
}

func testRepo(t *testing.T) *Repo {
	t.Helper()
	url := os.Getenv("SLOTWATCH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SLOTWATCH_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := db.Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	require.NoError(t, migrate.Up(ctx, d, zerolog.Nop()))
	_, err = d.Exec(ctx, `TRUNCATE accounts RESTART IDENTITY`)
	require.NoError(t, err)

	s, err := crypto.New(make([]byte, 32))
	require.NoError(t, err)
	return NewRepo(d, s)
}

func TestRepoEligibleAccounts(t *testing.T) {
	r := testRepo(t)
	ctx := context.Background()

	a, err := r.Create(ctx, "42", "main", "user1", "pw1")
	require.NoError(t, err)
	b, err := r.Create(ctx, "42", "spare", "user2", "pw2")
	require.NoError(t, err)
	_, err = r.Create(ctx, "7", "other", "user3", "pw3")
	require.NoError(t, err)

	_, err = r.Create(ctx, "42", "main", "dup", "pw")
	assert.Error(t, err)

	require.NoError(t, r.SetActive(ctx, b, false))
	assert.ErrorIs(t, r.SetActive(ctx, 999, false), db.ErrNotFound)

	got, err := r.ListEligible(ctx, "42")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a, got[0].ID)
	assert.Equal(t, "user1", got[0].Login)
	assert.Equal(t, "pw1", got[0].Secret)
	assert.Equal(t, "42", got[0].Owner)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
