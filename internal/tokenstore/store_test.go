package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"line-token-relay/internal/domain"
)

type fakeJournal struct {
	mu        sync.Mutex
	recs      []domain.TokenRecord
	loadErr   error
	appendErr error
	appended  []domain.TokenRecord
}

func (f *fakeJournal) Load(_ context.Context) ([]domain.TokenRecord, error) {
	return f.recs, f.loadErr
}

func (f *fakeJournal) Append(_ context.Context, rec domain.TokenRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, rec)
	return f.appendErr
}

// sequence returns the given values in order, then repeats the last one.
func sequence(vals ...int) func(int) int {
	var mu sync.Mutex
	i := 0
	return func(int) int {
		mu.Lock()
		defer mu.Unlock()
		v := vals[min(i, len(vals)-1)]
		i++
		return v
	}
}

func mustNewStore(t *testing.T, j Journal, opts ...Option) *Store {
	t.Helper()
	s, err := New(j, opts...)
	require.NoError(t, err)
	return s
}

func requireConsistent(t *testing.T, s *Store, userID string) string {
	t.Helper()
	token, ok := s.TokenForUser(userID)
	require.True(t, ok, "user %s has no token", userID)
	owner, ok := s.UserForToken(token)
	require.True(t, ok)
	require.Equal(t, userID, owner)
	return token
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, WithPrefix(" "))
	require.ErrorContains(t, err, "prefix")

	_, err = New(nil, WithSpace(5))
	require.ErrorContains(t, err, "token space")

	_, err = New(nil, WithRandom(nil))
	require.ErrorContains(t, err, "random")

	s, err := New(nil)
	require.NoError(t, err)
	require.Equal(t, 0, s.Len())
}

func TestCreateToken_FormatAndConsistency(t *testing.T) {
	j := &fakeJournal{}
	s := mustNewStore(t, j, WithRandom(sequence(42)))

	token, err := s.CreateToken(context.Background(), "U1")
	require.NoError(t, err)
	require.Equal(t, "t42", token)
	require.Equal(t, token, requireConsistent(t, s, "U1"))

	require.Len(t, j.appended, 1)
	require.Equal(t, "t42", j.appended[0].Token)
	require.Equal(t, "U1", j.appended[0].UserID)
	require.False(t, j.appended[0].CreatedAt.IsZero())
}

func TestCreateToken_NoZeroPadding(t *testing.T) {
	s := mustNewStore(t, nil, WithRandom(sequence(7)))
	token, err := s.CreateToken(context.Background(), "U1")
	require.NoError(t, err)
	require.Equal(t, "t7", token)
}

func TestCreateToken_CustomPrefix(t *testing.T) {
	s := mustNewStore(t, nil, WithPrefix("push-"), WithRandom(sequence(12)))
	token, err := s.CreateToken(context.Background(), "U1")
	require.NoError(t, err)
	require.Equal(t, "push-12", token)
}

func TestCreateToken_EmptyUser(t *testing.T) {
	s := mustNewStore(t, nil)
	_, err := s.CreateToken(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyUserID)
}

func TestCreateToken_RetriesOnCollision(t *testing.T) {
	s := mustNewStore(t, nil, WithRandom(sequence(5, 5, 5, 9)))

	first, err := s.CreateToken(context.Background(), "U1")
	require.NoError(t, err)
	require.Equal(t, "t5", first)

	second, err := s.CreateToken(context.Background(), "U2")
	require.NoError(t, err)
	require.Equal(t, "t9", second)

	require.Equal(t, "t5", requireConsistent(t, s, "U1"))
	require.Equal(t, "t9", requireConsistent(t, s, "U2"))
}

func TestCreateToken_SpaceExhausted(t *testing.T) {
	s := mustNewStore(t, nil, WithRandom(sequence(3)))
	_, err := s.CreateToken(context.Background(), "U1")
	require.NoError(t, err)

	_, err = s.CreateToken(context.Background(), "U2")
	require.ErrorIs(t, err, ErrTokenSpaceExhausted)
	_, ok := s.TokenForUser("U2")
	require.False(t, ok)
	require.Equal(t, "t3", requireConsistent(t, s, "U1"))
}

func TestCreateToken_JournalFailureIsNotFatal(t *testing.T) {
	j := &fakeJournal{appendErr: errors.New("disk full")}
	s := mustNewStore(t, j, WithRandom(sequence(1)))

	token, err := s.CreateToken(context.Background(), "U1")
	require.NoError(t, err)
	require.Equal(t, "t1", token)
	requireConsistent(t, s, "U1")
}

func TestCreateToken_ReplacingUserTokenDropsStaleForwardEntry(t *testing.T) {
	s := mustNewStore(t, nil, WithRandom(sequence(1, 2)))
	old, err := s.CreateToken(context.Background(), "U1")
	require.NoError(t, err)
	fresh, err := s.CreateToken(context.Background(), "U1")
	require.NoError(t, err)

	require.NotEqual(t, old, fresh)
	_, ok := s.UserForToken(old)
	require.False(t, ok)
	require.Equal(t, fresh, requireConsistent(t, s, "U1"))
	require.Equal(t, 1, s.Len())
}

func TestGetOrCreate_FirstCallCreatesExactlyOne(t *testing.T) {
	j := &fakeJournal{}
	s := mustNewStore(t, j, WithRandom(sequence(100)))

	token, created, err := s.GetOrCreate(context.Background(), "U1")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "t100", token)
	require.Equal(t, 1, s.Len())
	require.Len(t, j.appended, 1)
	requireConsistent(t, s, "U1")
}

func TestGetOrCreate_IsIdempotent(t *testing.T) {
	j := &fakeJournal{}
	s := mustNewStore(t, j, WithRandom(sequence(100, 200, 300)))

	first, _, err := s.GetOrCreate(context.Background(), "U1")
	require.NoError(t, err)
	for range 3 {
		again, created, err := s.GetOrCreate(context.Background(), "U1")
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, first, again)
	}
	require.Equal(t, 1, s.Len())
	require.Len(t, j.appended, 1)
}

func TestGetOrCreate_ConcurrentSameUser(t *testing.T) {
	s := mustNewStore(t, nil)

	const n = 50
	tokens := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], _, errs[i] = s.GetOrCreate(context.Background(), "U1")
		}()
	}
	wg.Wait()

	for i, token := range tokens {
		require.NoError(t, errs[i])
		require.Equal(t, tokens[0], token)
	}
	require.Equal(t, 1, s.Len())
}

func TestGetOrCreate_ConcurrentUsersKeepThirdUserIntact(t *testing.T) {
	s := mustNewStore(t, nil, WithSpace(1_000_000))
	existing, _, err := s.GetOrCreate(context.Background(), "U-existing")
	require.NoError(t, err)

	const n = 100
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = s.GetOrCreate(context.Background(), fmt.Sprintf("U%d", i))
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, existing, requireConsistent(t, s, "U-existing"))
	for i := range n {
		requireConsistent(t, s, fmt.Sprintf("U%d", i))
	}
	require.Equal(t, n+1, s.Len())
}

func TestLoad_ReplaysWithoutAppending(t *testing.T) {
	j := &fakeJournal{recs: []domain.TokenRecord{
		{Token: "t123", UserID: "U1"},
		{Token: "t456", UserID: "U2"},
	}}
	s := mustNewStore(t, j)

	n, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	user, ok := s.UserForToken("t123")
	require.True(t, ok)
	require.Equal(t, "U1", user)
	token, ok := s.TokenForUser("U2")
	require.True(t, ok)
	require.Equal(t, "t456", token)
	require.Empty(t, j.appended)
}

func TestLoad_ConflictingRecordsLastWins(t *testing.T) {
	j := &fakeJournal{recs: []domain.TokenRecord{
		{Token: "t1", UserID: "U1"},
		{Token: "t1", UserID: "U2"},
		{Token: "t2", UserID: "U3"},
		{Token: "t3", UserID: "U3"},
	}}
	s := mustNewStore(t, j)
	_, err := s.Load(context.Background())
	require.NoError(t, err)

	_, ok := s.TokenForUser("U1")
	require.False(t, ok)
	require.Equal(t, "t1", requireConsistent(t, s, "U2"))
	require.Equal(t, "t3", requireConsistent(t, s, "U3"))
	_, ok = s.UserForToken("t2")
	require.False(t, ok)
	require.Equal(t, 2, s.Len())
}

func TestLoad_ExistingTokenIsReturnedAfterReplay(t *testing.T) {
	j := &fakeJournal{recs: []domain.TokenRecord{{Token: "t77", UserID: "U1"}}}
	s := mustNewStore(t, j)
	_, err := s.Load(context.Background())
	require.NoError(t, err)

	token, created, err := s.GetOrCreate(context.Background(), "U1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "t77", token)
}

func TestLoad_ErrorLeavesStoreEmpty(t *testing.T) {
	j := &fakeJournal{loadErr: errors.New("permission denied")}
	s := mustNewStore(t, j)
	_, err := s.Load(context.Background())
	require.ErrorContains(t, err, "permission denied")
	require.Equal(t, 0, s.Len())
}

func TestLoad_NilJournal(t *testing.T) {
	s := mustNewStore(t, nil)
	n, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
