package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func TestStore_AllowBurst(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 2, time.Minute)
	assert.True(t, s.Allow("a"))
	assert.True(t, s.Allow("a"))
	assert.False(t, s.Allow("a"))
	// 不同 key 互不影响
	assert.True(t, s.Allow("b"))
}

func TestStore_WaitHonorsContext(t *testing.T) {
	s := NewStore(rate.Every(time.Hour), 1, time.Minute)
	assert.NoError(t, s.Wait(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Wait(ctx, "k"))
}

func TestStore_Cleanup(t *testing.T) {
	s := NewStore(rate.Inf, 1, time.Nanosecond)
	s.Allow("old")
	time.Sleep(time.Millisecond)
	s.cleanup()
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.entries)
}

func TestBreaker_TripsOnServerErrors(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 2, Timeout: time.Hour}, nil)
	cb := m.Get("snapshot")
	assert.Same(t, cb, m.Get("snapshot"))

	fail := func() (any, error) { return nil, statusErr(http.StatusBadGateway) }
	_, _ = cb.Execute(fail)
	_, _ = cb.Execute(fail)

	_, err := cb.Execute(func() (any, error) { return nil, nil })
	assert.True(t, IsRejected(err))
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 1, Timeout: time.Hour}, nil)
	cb := m.Get("snapshot")

	_, err := cb.Execute(func() (any, error) { return nil, statusErr(http.StatusNotFound) })
	assert.Error(t, err)
	_, err = cb.Execute(func() (any, error) { return nil, context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)

	_, err = cb.Execute(func() (any, error) { return "ok", nil })
	assert.NoError(t, err)
}

func TestIsSuccessfulForBreaker(t *testing.T) {
	assert.True(t, isSuccessfulForBreaker(nil))
	assert.True(t, isSuccessfulForBreaker(statusErr(http.StatusUnauthorized)))
	assert.False(t, isSuccessfulForBreaker(statusErr(http.StatusTooManyRequests)))
	assert.False(t, isSuccessfulForBreaker(statusErr(http.StatusServiceUnavailable)))
	assert.False(t, isSuccessfulForBreaker(errors.New("dial tcp: refused")))
}
