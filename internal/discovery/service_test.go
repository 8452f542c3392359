package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"github.com/dreamware/topovote/internal/clock"
	"github.com/dreamware/topovote/internal/config"
	"github.com/dreamware/topovote/internal/heartbeat"
	"github.com/dreamware/topovote/internal/storage"
	"github.com/dreamware/topovote/internal/voting"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []EventType
	for _, e := range r.events {
		result = append(result, e.Type)
	}
	return result
}

func (r *recorder) lastView() *voting.EstablishedView {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == TopologyChanged {
			return r.events[i].View
		}
	}
	return nil
}

type testInstances struct {
	t         *testing.T
	clock     *clock.Fake
	store     storage.Store
	services  map[string]*Service
	recorders map[string]*recorder
	order     []string
}

func newTestInstances(t *testing.T, ids ...string) *testInstances {
	t.Helper()
	ti := &testInstances{
		t:         t,
		clock:     clock.NewFake(t0),
		store:     storage.NewMemoryStore(),
		services:  map[string]*Service{},
		recorders: map[string]*recorder{},
	}
	for _, id := range ids {
		ti.add(id)
	}
	return ti
}

func (ti *testInstances) add(id string) *Service {
	ti.t.Helper()
	cfg := config.Default()
	cfg.InstanceID = id
	svc, err := New(cfg, ti.store, ti.clock)
	require.NoError(ti.t, err)
	rec := &recorder{}
	svc.AddListener(rec.record)
	ti.services[id] = svc
	ti.recorders[id] = rec
	ti.order = append(ti.order, id)
	return svc
}

// round runs every listed instance once, or all when none are listed
func (ti *testInstances) round(ids ...string) {
	ti.t.Helper()
	if len(ids) == 0 {
		ids = ti.order
	}
	for _, id := range ids {
		require.NoError(ti.t, ti.services[id].RunOnce(), id)
	}
}

// settle runs rounds until every listed instance reported a view with
// exactly those members
func (ti *testInstances) settle(ids ...string) *voting.EstablishedView {
	ti.t.Helper()
	for i := 0; i < 10; i++ {
		ti.clock.Add(time.Second)
		ti.round(ids...)
		if view := ti.agreedView(ids); view != nil {
			return view
		}
	}
	ti.t.Fatalf("instances %v did not agree on a view", ids)
	return nil
}

func (ti *testInstances) agreedView(ids []string) *voting.EstablishedView {
	var agreed *voting.EstablishedView
	for _, id := range ids {
		view := ti.recorders[id].lastView()
		if view == nil || !slices.Equal(view.Members, ids) || (agreed != nil && agreed.ViewID != view.ViewID) {
			return nil
		}
		agreed = view
	}
	return agreed
}

func TestNew(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := config.Default()
		cfg.HeartbeatTimeout = 0
		_, err := New(cfg, storage.NewMemoryStore(), nil)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("generates instance id", func(t *testing.T) {
		svc, err := New(config.Default(), storage.NewMemoryStore(), nil)
		require.NoError(t, err)
		assert.NotEmpty(t, svc.InstanceID())
		assert.NotEmpty(t, svc.RuntimeID())
		assert.Contains(t, svc.LeaderElectionID(), svc.InstanceID())
		assert.True(t, svc.Handler().IsActivated())
	})
}

func TestSingleInstanceBootstrap(t *testing.T) {
	ti := newTestInstances(t, "a")

	ti.round()
	assert.Equal(t, []EventType{TopologyChanging}, ti.recorders["a"].types())
	open, err := ti.services["a"].OpenVotings()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, []string{"a"}, open[0].Members)

	ti.round()
	assert.Equal(t, []EventType{TopologyChanging, TopologyChanged}, ti.recorders["a"].types())
	view, err := ti.services["a"].EstablishedView()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, view.Members)
	assert.Equal(t, "a", view.LeaderID)

	// stable view, no more events
	ti.round()
	ti.round()
	assert.Len(t, ti.recorders["a"].types(), 2)
}

func TestThreeInstancesConverge(t *testing.T) {
	ti := newTestInstances(t, "a", "b", "c")
	view := ti.settle("a", "b", "c")

	assert.Equal(t, []string{"a", "b", "c"}, view.Members)
	// equal start times, the lowest id leads
	assert.Equal(t, "a", view.LeaderID)

	for _, id := range []string{"a", "b", "c"} {
		types := ti.recorders[id].types()
		assert.Equal(t, TopologyChanged, types[len(types)-1], id)
	}
	open, err := ti.services["b"].OpenVotings()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestInstanceLeaves(t *testing.T) {
	ti := newTestInstances(t, "a", "b", "c")
	first := ti.settle("a", "b", "c")

	// c stops heartbeating
	ti.clock.Add(config.Default().HeartbeatTimeout)
	second := ti.settle("a", "b")

	assert.NotEqual(t, first.ViewID, second.ViewID)
	assert.Equal(t, first.ClusterID, second.ClusterID)
	assert.Equal(t, []string{"a", "b"}, second.Members)

	live, err := ti.services["a"].LiveInstances()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, live)

	previous, err := ti.services["a"].PreviousView()
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, first.ViewID, previous.ViewID)
}

func TestStopWithdrawsHeartbeat(t *testing.T) {
	ti := newTestInstances(t, "a", "b", "c")
	ti.settle("a", "b", "c")

	ti.services["c"].Stop()
	_, found, err := ti.services["a"].heartbeats.LastHeartbeat("c")
	require.NoError(t, err)
	assert.False(t, found)

	// no need to wait for the heartbeat timeout
	live, err := ti.services["a"].LiveInstances()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, live)
	ti.settle("a", "b")
}

func TestStopKeepsForeignHeartbeat(t *testing.T) {
	store := storage.NewMemoryStore()
	clk := clock.NewFake(t0)
	cfg := config.Default()
	cfg.InstanceID = "same"

	first, err := New(cfg, store, clk)
	require.NoError(t, err)
	second, err := New(cfg, store, clk)
	require.NoError(t, err)

	require.NoError(t, first.RunOnce())
	require.NoError(t, second.RunOnce())
	assert.ErrorIs(t, first.RunOnce(), heartbeat.ErrDuplicateInstance)

	first.Stop()
	hb, found, err := second.heartbeats.LastHeartbeat("same")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second.RuntimeID(), hb.RuntimeID)
}

func TestRejectedVotingIsNotOpen(t *testing.T) {
	ti := newTestInstances(t, "a", "b")
	ti.settle("a", "b")

	v, err := ti.services["a"].StartNewVoting()
	require.NoError(t, err)
	require.NoError(t, ti.services["b"].votes.CastBallot(v.VotingID,
		voting.Ballot{InstanceID: "b", Decision: voting.No, VotedAt: ti.clock.Now()}))

	open, err := ti.services["a"].OpenVotings()
	require.NoError(t, err)
	assert.Empty(t, open)

	// a rejected voting does not block the same proposal
	again, err := ti.services["a"].StartNewVoting()
	require.NoError(t, err)
	assert.Equal(t, v.Members, again.Members)
}

func TestInstanceJoins(t *testing.T) {
	ti := newTestInstances(t, "a", "b")
	ti.settle("a", "b")

	ti.add("c")
	view := ti.settle("a", "b", "c")
	assert.Equal(t, []string{"a", "b", "c"}, view.Members)
}

func TestDuplicateInstanceDisables(t *testing.T) {
	store := storage.NewMemoryStore()
	clk := clock.NewFake(t0)
	cfg := config.Default()
	cfg.InstanceID = "same"

	first, err := New(cfg, store, clk)
	require.NoError(t, err)
	second, err := New(cfg, store, clk)
	require.NoError(t, err)

	require.NoError(t, first.RunOnce())
	clk.Add(time.Second)
	require.NoError(t, second.RunOnce())

	clk.Add(time.Second)
	err = first.RunOnce()
	assert.ErrorIs(t, err, heartbeat.ErrDuplicateInstance)
	assert.ErrorIs(t, first.RunOnce(), ErrDisabled)
	assert.ErrorIs(t, first.CheckView(), ErrDisabled)
	assert.False(t, first.Handler().IsActivated())
}

func TestLeaderChange(t *testing.T) {
	ti := newTestInstances(t, "a", "b")
	view := ti.settle("a", "b")
	require.Equal(t, "a", view.LeaderID)

	ti.clock.Add(time.Second)
	ti.services["a"].ResetLeaderElectionID()
	// effective before the next heartbeat
	assert.Greater(t, ti.services["a"].LeaderElectionID(), ti.services["b"].LeaderElectionID())

	v, err := ti.services["a"].StartNewVoting()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		ti.clock.Add(time.Second)
		ti.round()
		if current, _ := ti.services["b"].EstablishedView(); current != nil && current.ViewID == v.VotingID {
			break
		}
	}
	current, err := ti.services["b"].EstablishedView()
	require.NoError(t, err)
	assert.Equal(t, v.VotingID, current.ViewID)
	assert.Equal(t, "b", current.LeaderID)
}

func TestStartNewVotingDuplicate(t *testing.T) {
	ti := newTestInstances(t, "a")
	ti.round()

	// the round already opened a voting for [a]
	_, err := ti.services["a"].StartNewVoting()
	assert.ErrorIs(t, err, voting.ErrDuplicateVoting)
}

func TestStartStop(t *testing.T) {
	cfg := config.Default()
	cfg.InstanceID = "loop"
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second

	svc, err := New(cfg, storage.NewMemoryStore(), nil)
	require.NoError(t, err)

	changed := make(chan *voting.EstablishedView, 1)
	svc.AddListener(func(e Event) {
		if e.Type == TopologyChanged {
			select {
			case changed <- e.View:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)

	select {
	case view := <-changed:
		assert.Equal(t, []string{"loop"}, view.Members)
	case <-time.After(5 * time.Second):
		t.Fatal("no view established")
	}

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, svc.Handler().IsActivated())
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "TOPOLOGY_CHANGING", TopologyChanging.String())
	assert.Equal(t, "TOPOLOGY_CHANGED", TopologyChanged.String())
	assert.Equal(t, "EventType(9)", EventType(9).String())
}
