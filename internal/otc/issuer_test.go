package otc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcattendance/internal/apperr"
)

type fakeChecker struct {
	inUse map[string]bool
	calls int
	err   error
}

func (f *fakeChecker) CodeInUse(_ context.Context, code string, _ time.Time) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.inUse[code], nil
}

func sequence(codes ...string) func(int) (string, error) {
	i := 0
	return func(int) (string, error) {
		c := codes[i%len(codes)]
		i++
		return c, nil
	}
}

var now = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func TestIssueRetriesPastCollisions(t *testing.T) {
	checker := &fakeChecker{inUse: map[string]bool{"7F3K9Q": true, "AAAAAA": true}}
	issuer := NewIssuer(checker, 6, 5, nil)
	issuer.random = sequence("7F3K9Q", "AAAAAA", "BCDEFG")

	code, err := issuer.Issue(context.Background(), Draft{SubjectID: "s1"}, now)
	require.NoError(t, err)
	assert.Equal(t, "BCDEFG", code)
	assert.Equal(t, 3, checker.calls)
}

func TestIssueExhausted(t *testing.T) {
	checker := &fakeChecker{inUse: map[string]bool{"7F3K9Q": true}}
	issuer := NewIssuer(checker, 6, 3, nil)
	issuer.random = sequence("7F3K9Q")

	_, err := issuer.Issue(context.Background(), Draft{}, now)
	assert.True(t, errors.Is(err, apperr.ErrIssuanceExhausted))
	assert.Equal(t, 3, checker.calls)
}

func TestIssuePropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	issuer := NewIssuer(&fakeChecker{err: boom}, 6, 3, nil)
	_, err := issuer.Issue(context.Background(), Draft{}, now)
	assert.ErrorIs(t, err, boom)
}

func TestRandomUsesAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := Random(8)
		require.NoError(t, err)
		require.Len(t, code, 8)
		for _, r := range code {
			require.True(t, strings.ContainsRune(Alphabet, r), "unexpected %q", r)
		}
		assert.True(t, WellFormed(code))
	}
	_, err := Random(0)
	assert.Error(t, err)
}

func TestNormalizeAndWellFormed(t *testing.T) {
	assert.Equal(t, "7F3K9Q", Normalize("  7f3k9q "))
	assert.False(t, WellFormed(""))
	assert.False(t, WellFormed("ABC"))
	assert.False(t, WellFormed("ABCD0O"))
	assert.True(t, WellFormed("7F3K9Q"))
}
