package poll

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jx4life/postbridge/internal/domain"
)

func testConfig() Config {
	return Config{MaxAttempts: 150, ErrorThreshold: 5}
}

func drain(s *Session) int {
	ticks := 0
	for s.Tick(context.Background()) {
		ticks++
	}
	return ticks + 1
}

func TestSession_ApprovedOnFinalAttempt(t *testing.T) {
	polls := 0
	s := NewSession(testConfig(), func(context.Context) (Status, *domain.Credential, error) {
		polls++
		if polls < 150 {
			return StatusPending, nil, nil
		}
		return StatusApproved, &domain.Credential{
			Platform:    domain.PlatformFarcaster,
			AccessToken: "signer-key",
			Identity:    domain.Identity{Username: "alice", FID: 451},
		}, nil
	}, nil)

	drain(s)

	state, attempts, result := s.Snapshot()
	require.Equal(t, StateApproved, state)
	require.LessOrEqual(t, attempts, 150)
	require.Equal(t, 150, polls)
	require.NotNil(t, result.Credential)
	require.Equal(t, int64(451), result.Credential.Identity.FID)
}

func TestSession_TimesOutAtBudgetAndStopsPolling(t *testing.T) {
	polls := 0
	s := NewSession(testConfig(), func(context.Context) (Status, *domain.Credential, error) {
		polls++
		return StatusPending, nil, nil
	}, nil)

	drain(s)

	state, attempts, _ := s.Snapshot()
	require.Equal(t, StateTimedOut, state)
	require.Equal(t, 150, attempts)
	require.Equal(t, 150, polls)

	// Further ticks after resolution must not issue polls.
	require.False(t, s.Tick(context.Background()))
	require.Equal(t, 150, polls)
}

func TestSession_Revoked(t *testing.T) {
	s := NewSession(testConfig(), func(context.Context) (Status, *domain.Credential, error) {
		return StatusRevoked, nil, nil
	}, nil)

	drain(s)

	state, attempts, _ := s.Snapshot()
	require.Equal(t, StateRevoked, state)
	require.Equal(t, 1, attempts)
}

func TestSession_ConsecutiveErrorsAbort(t *testing.T) {
	polls := 0
	s := NewSession(testConfig(), func(context.Context) (Status, *domain.Credential, error) {
		polls++
		return "", nil, fmt.Errorf("upstream down")
	}, nil)

	drain(s)

	state, attempts, result := s.Snapshot()
	require.Equal(t, StateErrored, state)
	require.Equal(t, 5, attempts, "aborts at the consecutive-error threshold, not the budget")
	require.Error(t, result.Err)
}

func TestSession_InterleavedErrorsConsumeBudgetOnly(t *testing.T) {
	polls := 0
	s := NewSession(testConfig(), func(context.Context) (Status, *domain.Credential, error) {
		polls++
		// Alternate error / pending: never five in a row.
		if polls%2 == 1 {
			return "", nil, fmt.Errorf("flaky")
		}
		return StatusPending, nil, nil
	}, nil)

	drain(s)

	state, attempts, _ := s.Snapshot()
	require.Equal(t, StateTimedOut, state, "transient errors must not abort the session")
	require.Equal(t, 150, attempts, "error ticks still consume the attempt budget")
}

func TestSession_CancelIsDeterministicAndIdempotent(t *testing.T) {
	polls := 0
	s := NewSession(testConfig(), func(context.Context) (Status, *domain.Credential, error) {
		polls++
		return StatusPending, nil, nil
	}, nil)

	require.True(t, s.Tick(context.Background()))
	s.Cancel()
	s.Cancel()

	state, _, _ := s.Snapshot()
	require.Equal(t, StateErrored, state)
	require.False(t, s.Tick(context.Background()), "no ticks fire after cancellation")
	require.Equal(t, 1, polls)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel must be closed after cancel")
	}
}

func TestSession_OnResolveFiresOnce(t *testing.T) {
	resolved := 0
	var got Result
	s := NewSession(testConfig(), func(context.Context) (Status, *domain.Credential, error) {
		return StatusApproved, &domain.Credential{AccessToken: "k"}, nil
	}, nil)
	s.OnResolve = func(res Result) {
		resolved++
		got = res
	}

	drain(s)
	s.Cancel()

	require.Equal(t, 1, resolved)
	require.Equal(t, StateApproved, got.State)
	require.NotNil(t, got.Credential)
}

func TestManager_SupersedesPreviousSession(t *testing.T) {
	m := NewManager()

	first := NewSession(Config{Interval: 1, MaxAttempts: 150, ErrorThreshold: 5}, func(context.Context) (Status, *domain.Credential, error) {
		return StatusPending, nil, nil
	}, nil)
	m.Start(context.Background(), "user-1/farcaster", first)

	second := NewSession(Config{Interval: 1, MaxAttempts: 150, ErrorThreshold: 5}, func(context.Context) (Status, *domain.Credential, error) {
		return StatusApproved, &domain.Credential{AccessToken: "k"}, nil
	}, nil)
	m.Start(context.Background(), "user-1/farcaster", second)

	<-first.Done()
	firstState, _, _ := first.Snapshot()
	require.Equal(t, StateErrored, firstState, "starting a new session cancels the previous one")

	<-second.Done()
	require.Same(t, second, m.Get("user-1/farcaster"))

	m.Shutdown()
}
