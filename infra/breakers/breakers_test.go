package breakers

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 503")

func fail() (any, error) { return nil, errUpstream }

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := New("rules", DefaultSettings(), nil)

	for i := 0; i < 3; i++ {
		_, err := b.Execute(fail)
		require.ErrorIs(t, err, errUpstream)
	}

	assert.Equal(t, "open", b.State())
	_, err := b.Execute(func() (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_IgnoresUncountedErrors(t *testing.T) {
	errBadRequest := errors.New("400")
	b := New("rules", DefaultSettings(), func(err error) bool {
		return err == nil || errors.Is(err, errBadRequest)
	})

	for i := 0; i < 10; i++ {
		_, err := b.Execute(func() (any, error) { return nil, errBadRequest })
		require.ErrorIs(t, err, errBadRequest)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	s := DefaultSettings()
	s.OpenTimeout = 20 * time.Millisecond
	b := New("rules", s, nil)

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(fail)
	}
	require.Equal(t, "open", b.State())

	time.Sleep(30 * time.Millisecond)
	v, err := b.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, "rules", b.Name())
}
