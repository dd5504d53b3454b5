package module

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input    string
		expected Module
		wantErr  bool
	}{
		{"resolver", Resolver, false},
		{"Anonymizer", Anonymizer, false},
		{" router ", Router, false},
		{"tor", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, err := Parse(tt.input)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnknownModule))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m)
		})
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{Stopped, "stopped"},
		{Starting, "starting"},
		{Running, "running"},
		{Stopping, "stopping"},
		{Restarting, "restarting"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(map[Module]State{Resolver: Running})
	require.NoError(t, err)
	assert.JSONEq(t, `{"resolver":"running"}`, string(data))

	var decoded map[Module]State
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, Running, decoded[Resolver])

	var s State
	assert.Error(t, s.UnmarshalText([]byte("zombie")))
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Supervised, mode)

	mode, err = ParseMode("privileged")
	require.NoError(t, err)
	assert.Equal(t, Privileged, mode)
	assert.Equal(t, "privileged", mode.String())

	_, err = ParseMode("kernel")
	assert.Error(t, err)
}

func TestStore_DefaultsStopped(t *testing.T) {
	s := NewStore(Supervised, false)
	for _, m := range All() {
		assert.Equal(t, Stopped, s.Get(m))
	}
	assert.Equal(t, Supervised, s.Mode())
	assert.False(t, s.Tunneling())
}

func TestStore_SetReturnsPrevious(t *testing.T) {
	s := NewStore(Supervised, false)

	prev := s.Set(Resolver, Starting)
	assert.Equal(t, Stopped, prev)

	// Unexpected jumps are accepted.
	prev = s.Set(Resolver, Restarting)
	assert.Equal(t, Starting, prev)
	assert.Equal(t, Restarting, s.Get(Resolver))
	assert.Equal(t, Stopped, s.Get(Anonymizer))
}

func TestStore_CompareAndSet(t *testing.T) {
	s := NewStore(Supervised, false)
	s.Set(Anonymizer, Stopping)

	assert.False(t, s.CompareAndSet(Anonymizer, Restarting, Stopped))
	assert.Equal(t, Stopping, s.Get(Anonymizer))

	assert.True(t, s.CompareAndSet(Anonymizer, Stopping, Stopped))
	assert.Equal(t, Stopped, s.Get(Anonymizer))
}

func TestStore_Observers(t *testing.T) {
	s := NewStore(Supervised, false)

	var got []State
	s.OnTransition(func(m Module, from, to State) {
		assert.Equal(t, Router, m)
		got = append(got, to)
	})

	s.Set(Router, Starting)
	s.Set(Router, Starting) // no change, no callback
	s.Set(Router, Running)

	assert.Equal(t, []State{Starting, Running}, got)
}

func TestStore_ObserversSeeFinalState(t *testing.T) {
	s := NewStore(Supervised, false)

	var mu sync.Mutex
	last := make(map[Module]State)
	s.OnTransition(func(m Module, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		last[m] = to
	})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Set(Resolver, State(i%5))
		}(i)
		go func(i int) {
			defer wg.Done()
			s.CompareAndSet(Resolver, State(i%5), State((i+1)%5))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got, ok := last[Resolver]; ok {
		assert.Equal(t, s.Get(Resolver), got)
	}
}

func TestStore_SetAllAndSnapshot(t *testing.T) {
	s := NewStore(Privileged, true)
	s.Set(Resolver, Running)
	s.Set(Anonymizer, Stopping)

	snap := s.Snapshot()
	snap[Resolver] = Stopped // copy, not a view
	assert.Equal(t, Running, s.Get(Resolver))

	s.SetAll(Stopped)
	for _, m := range All() {
		assert.Equal(t, Stopped, s.Get(m))
	}
	assert.True(t, s.Privileged())
	assert.True(t, s.Tunneling())
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore(Supervised, false)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Set(All()[i%3], State(i%5))
			s.SetTunneling(i%2 == 0)
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = s.Get(All()[i%3])
			_ = s.Snapshot()
			_ = s.Tunneling()
		}(i)
	}
	wg.Wait()
}
