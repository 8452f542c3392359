// Package discovery runs the periodic discovery task of one cluster
// instance: heartbeat, analyze votings, and start a new voting when the
// live instances no longer match the established view.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/untillpro/goutils/logger"
	"golang.org/x/exp/slices"

	"github.com/dreamware/topovote/internal/clock"
	"github.com/dreamware/topovote/internal/cluster"
	"github.com/dreamware/topovote/internal/config"
	"github.com/dreamware/topovote/internal/heartbeat"
	"github.com/dreamware/topovote/internal/storage"
	"github.com/dreamware/topovote/internal/voting"
)

// ErrDisabled is returned by RunOnce after the service detected another
// process running with the same instance id
var ErrDisabled = errors.New("discovery disabled")

// EventType distinguishes topology notifications
type EventType int

const (
	// TopologyChanging is sent once when votings start and the current
	// view can no longer be trusted
	TopologyChanging EventType = iota + 1
	// TopologyChanged is sent once per newly established view
	TopologyChanged
)

func (t EventType) String() string {
	switch t {
	case TopologyChanging:
		return "TOPOLOGY_CHANGING"
	case TopologyChanged:
		return "TOPOLOGY_CHANGED"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered to listeners registered with AddListener.
// View is set for TopologyChanged only.
type Event struct {
	Type EventType
	View *voting.EstablishedView
	At   time.Time
}

// Service drives the discovery protocol for one instance.
// Thread-safe: RunOnce and CheckView are serialized internally.
type Service struct {
	cfg        config.Config
	instanceID string
	runtimeID  string
	startedAt  time.Time
	clock      clock.Clock

	heartbeats *heartbeat.Store
	votes      *voting.Store
	handler    *voting.Handler

	mu               sync.Mutex // Serializes RunOnce / CheckView
	heartbeatWritten bool       // First heartbeat of this runtime was written
	disabled         bool       // Duplicate instance detected
	changing         bool       // TopologyChanging sent, TopologyChanged pending
	lastViewID       string     // View of the last TopologyChanged

	listenersMu sync.RWMutex
	listeners   []func(Event)

	ctx    context.Context    // Context for cancellation
	cancel context.CancelFunc // Cancel function for shutdown
	wg     sync.WaitGroup     // Wait group for graceful shutdown
}

// New creates the discovery service for cfg.InstanceID on store.
// An empty instance id gets a freshly generated one. The configuration is
// validated here; errors wrap config.ErrInvalidConfig.
//
// Parameters:
//   - cfg: Validated instance configuration
//   - store: Shared record store, the same for every instance of the cluster
//   - clk: Time source, nil for the system clock
//
// Example:
//
//	svc, err := discovery.New(cfg, store, nil)
//	if err != nil {
//	    return err
//	}
//	go svc.Start(ctx)
func New(cfg config.Config, store storage.Store, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = cluster.NewInstanceID()
	}
	heartbeats := heartbeat.NewStore(store)
	votes := voting.NewStore(store, cfg.VoteTimeout)
	handler, err := voting.NewHandler(cfg.InstanceID, votes, heartbeats, cfg, clk)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		instanceID: cfg.InstanceID,
		runtimeID:  cluster.NewRuntimeID(),
		startedAt:  clk.Now(),
		clock:      clk,
		heartbeats: heartbeats,
		votes:      votes,
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
	}
	handler.SetLeaderElectionID(heartbeat.NewLeaderElectionID(s.instanceID, s.startedAt, cfg.PreferredLeader))
	handler.Activate()
	return s, nil
}

func (s *Service) InstanceID() string {
	return s.instanceID
}

func (s *Service) RuntimeID() string {
	return s.runtimeID
}

func (s *Service) LeaderElectionID() string {
	return s.handler.LeaderElectionID()
}

// Handler exposes the voting handler, mainly for diagnostics
func (s *Service) Handler() *voting.Handler {
	return s.handler
}

// AddListener registers fn for topology events. Listeners run
// synchronously on the discovery goroutine and must not call RunOnce or
// CheckView.
func (s *Service) AddListener(fn func(Event)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start runs RunOnce immediately and then every HeartbeatInterval until
// ctx is canceled or Stop is called. It blocks.
//
// Example:
//
//	go svc.Start(ctx)
//	defer svc.Stop()
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	if ctx == nil {
		ctx = s.ctx
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	logger.Info(fmt.Sprintf("[%s] discovery started with interval %v", s.instanceID, s.cfg.HeartbeatInterval))

	s.runLogged()
	for {
		select {
		case <-ticker.C:
			s.runLogged()
		case <-ctx.Done():
			logger.Info(fmt.Sprintf("[%s] discovery stopping due to context cancellation", s.instanceID))
			return
		case <-s.ctx.Done():
			logger.Info(fmt.Sprintf("[%s] discovery stopping due to internal cancellation", s.instanceID))
			return
		}
	}
}

// Stop cancels the loop started by Start, waits for it, deactivates
// voting for this instance and withdraws its heartbeat so the others see
// it leave on their next round
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.handler.Deactivate()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeatWritten && !s.disabled {
		if _, err := s.heartbeats.Withdraw(s.instanceID, s.runtimeID); err != nil {
			logger.Warning(fmt.Sprintf("[%s] stop: could not withdraw heartbeat: %v", s.instanceID, err))
		}
		s.heartbeatWritten = false
	}
	logger.Info(fmt.Sprintf("[%s] discovery stopped", s.instanceID))
}

func (s *Service) runLogged() {
	if err := s.RunOnce(); err != nil && !errors.Is(err, ErrDisabled) {
		logger.Error(fmt.Sprintf("[%s] discovery round failed: %v", s.instanceID, err))
	}
}

// RunOnce performs one discovery round: write the heartbeat, then
// CheckView. When the heartbeat reveals a second process with the same
// instance id the service disables itself for good and every later call
// returns ErrDisabled.
func (s *Service) RunOnce() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disabled {
		return ErrDisabled
	}
	if err := s.issueHeartbeat(); err != nil {
		if errors.Is(err, heartbeat.ErrDuplicateInstance) {
			s.disabled = true
			s.handler.Deactivate()
			logger.Error(fmt.Sprintf("[%s] discovery: %v. Disabling discovery for this process", s.instanceID, err))
		}
		return err
	}
	return s.checkView()
}

// CheckView analyzes votings and starts a new one when needed, without
// writing a heartbeat
func (s *Service) CheckView() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return ErrDisabled
	}
	return s.checkView()
}

// ResetLeaderElectionID gives this instance a fresh leader election id
// based on the current time, so it loses leader election against every
// instance that started before now. Ballots cast from now on and the next
// heartbeat carry the new id.
func (s *Service) ResetLeaderElectionID() {
	id := heartbeat.NewLeaderElectionID(s.instanceID, s.clock.Now(), s.cfg.PreferredLeader)
	s.handler.SetLeaderElectionID(id)
	logger.Info(fmt.Sprintf("[%s] leader election id reset to %s", s.instanceID, id))
}

func (s *Service) issueHeartbeat() error {
	now := s.clock.Now()
	hb := heartbeat.Heartbeat{
		InstanceID:       s.instanceID,
		LastSeen:         now,
		RuntimeID:        s.runtimeID,
		LeaderElectionID: s.handler.LeaderElectionID(),
		Endpoint:         s.cfg.PublicAddr,
	}
	if err := s.heartbeats.RecordHeartbeat(hb, !s.heartbeatWritten); err != nil {
		return fmt.Errorf("issueHeartbeat: %w", err)
	}
	s.heartbeatWritten = true
	return nil
}

func (s *Service) checkView() error {
	if _, err := s.handler.AnalyzeVotings(); err != nil {
		return fmt.Errorf("checkView: %w", err)
	}
	if _, err := s.handler.CleanupTimedOutVotings(); err != nil {
		logger.Warning(fmt.Sprintf("[%s] checkView: cleaning up votings: %v", s.instanceID, err))
	}

	open, err := s.OpenVotings()
	if err != nil {
		return fmt.Errorf("checkView: %w", err)
	}
	if len(open) > 0 {
		if logger.IsVerbose() {
			logger.Verbose(fmt.Sprintf("[%s] checkView: %d open votings, waiting for them to settle", s.instanceID, len(open)))
		}
		s.topologyChanging()
		return nil
	}

	live, err := s.LiveInstances()
	if err != nil {
		return fmt.Errorf("checkView: %w", err)
	}
	view, err := s.votes.EstablishedView()
	if err != nil {
		return fmt.Errorf("checkView: %w", err)
	}
	if view != nil && slices.Equal(view.Members, live) {
		s.topologyChanged(view)
		return nil
	}

	logger.Info(fmt.Sprintf("[%s] checkView: established view does not match live instances %v, starting a voting",
		s.instanceID, live))
	s.topologyChanging()
	_, err = s.handler.NewVoting(live)
	if errors.Is(err, voting.ErrDuplicateVoting) {
		// another instance was faster
		return nil
	}
	return err
}

// StartNewVoting opens a voting for the current live instances even if
// they match the established view. Called after ResetLeaderElectionID it
// hands leadership to another instance.
func (s *Service) StartNewVoting() (*voting.VotingView, error) {
	live, err := s.LiveInstances()
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("[%s] startNewVoting: explicitly starting a voting for %v", s.instanceID, live))
	return s.handler.NewVoting(live)
}

// LiveInstances returns the sorted ids of live instances, this one included
func (s *Service) LiveInstances() ([]string, error) {
	live, err := s.heartbeats.LiveInstances(s.clock.Now(), s.cfg.HeartbeatTimeout)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(live, s.instanceID) {
		live = append(live, s.instanceID)
		slices.Sort(live)
	}
	return live, nil
}

// Heartbeats returns every heartbeat in the store
func (s *Service) Heartbeats() ([]heartbeat.Heartbeat, error) {
	return s.heartbeats.List()
}

// EstablishedView returns the current view, nil before the first promotion
func (s *Service) EstablishedView() (*voting.EstablishedView, error) {
	return s.votes.EstablishedView()
}

// PreviousView returns the view the established one replaced, nil before
// the second promotion
func (s *Service) PreviousView() (*voting.EstablishedView, error) {
	return s.votes.PreviousView()
}

// OpenVotings returns the votings that can still win: not timed out and
// without a no ballot
func (s *Service) OpenVotings() ([]*voting.VotingView, error) {
	votings, _, err := s.votes.ListVotings()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	open := votings[:0]
	for _, v := range votings {
		if !v.IsTimedOut(now, s.cfg.VoteTimeout) && !v.HasNoVotes() {
			open = append(open, v)
		}
	}
	return open, nil
}

func (s *Service) topologyChanging() {
	if s.changing {
		return
	}
	s.changing = true
	logger.Info(fmt.Sprintf("[%s] topology changing", s.instanceID))
	s.emit(Event{Type: TopologyChanging, At: s.clock.Now()})
}

func (s *Service) topologyChanged(view *voting.EstablishedView) {
	if !s.changing && view.ViewID == s.lastViewID {
		return
	}
	s.changing = false
	s.lastViewID = view.ViewID
	logger.Info(fmt.Sprintf("[%s] topology changed to %s", s.instanceID, view))
	s.emit(Event{Type: TopologyChanged, View: view, At: s.clock.Now()})
}

func (s *Service) emit(e Event) {
	s.listenersMu.RLock()
	listeners := slices.Clone(s.listeners)
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
}
