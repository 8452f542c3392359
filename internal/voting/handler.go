package voting

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/untillpro/goutils/logger"
	"golang.org/x/exp/slices"

	"github.com/dreamware/topovote/internal/clock"
	"github.com/dreamware/topovote/internal/config"
)

// LivenessSource reports which instances are currently live
type LivenessSource interface {
	LiveInstances(now time.Time, timeout time.Duration) ([]string, error)
}

// Handler runs the voting protocol for one local instance. AnalyzeVotings
// is serialized per Handler; different instances coordinate only through
// the Store.
type Handler struct {
	mu               sync.Mutex
	instanceID       string
	store            *Store
	liveness         LivenessSource
	cfg              config.Config
	clock            clock.Clock
	activated        atomic.Bool
	leaderElectionID atomic.Value // string
}

// NewHandler validates cfg and returns an inactive handler for instanceID
func NewHandler(instanceID string, store *Store, liveness LivenessSource, cfg config.Config, clk clock.Clock) (*Handler, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("%w: empty instance id", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	h := &Handler{
		instanceID: instanceID,
		store:      store,
		liveness:   liveness,
		cfg:        cfg,
		clock:      clk,
	}
	h.leaderElectionID.Store("")
	return h, nil
}

func (h *Handler) InstanceID() string {
	return h.instanceID
}

func (h *Handler) Activate() {
	h.activated.Store(true)
	logger.Info(fmt.Sprintf("[%s] activate: voting handler activated", h.instanceID))
}

func (h *Handler) Deactivate() {
	h.activated.Store(false)
	logger.Info(fmt.Sprintf("[%s] deactivate: voting handler deactivated", h.instanceID))
}

func (h *Handler) IsActivated() bool {
	return h.activated.Load()
}

// SetLeaderElectionID sets the id attached to this instance's yes ballots
func (h *Handler) SetLeaderElectionID(id string) {
	h.leaderElectionID.Store(id)
}

func (h *Handler) LeaderElectionID() string {
	return h.leaderElectionID.Load().(string)
}

// NewVoting opens a voting for members with the local instance as
// initiator
func (h *Handler) NewVoting(members []string) (*VotingView, error) {
	v, err := h.store.NewVoting(h.instanceID, members, h.LeaderElectionID(), h.clock.Now())
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("[%s] newVoting: created %s", h.instanceID, v))
	return v, nil
}

// CleanupTimedOutVotings removes every voting older than the vote timeout
// and returns how many were removed
func (h *Handler) CleanupTimedOutVotings() (int, error) {
	votings, _, err := h.store.ListVotings()
	if err != nil {
		return 0, err
	}
	now := h.clock.Now()
	removed := 0
	for _, v := range votings {
		if !v.IsTimedOut(now, h.cfg.VoteTimeout) {
			continue
		}
		if err := h.store.Remove(v.VotingID); err != nil {
			logger.Error(fmt.Sprintf("[%s] cleanupTimedOutVotings: could not remove %s: %v", h.instanceID, v.VotingID, err))
			continue
		}
		logger.Info(fmt.Sprintf("[%s] cleanupTimedOutVotings: removed %s", h.instanceID, v))
		removed++
	}
	return removed, nil
}

// AnalyzeVotings inspects every open voting once, casts the local ballot
// where needed, removes timed out votings and votings that got a no
// ballot, and promotes a winning voting this instance initiated. It returns what happened to each voting.
//
// Failures on a single voting are logged and the voting is left out of
// the result; it is reconsidered on the next call. Failing to read the
// live instances or to list votings fails the whole round.
func (h *Handler) AnalyzeVotings() (Outcomes, error) {
	if !h.IsActivated() {
		return nil, ErrNotActivated
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	live, err := h.liveness.LiveInstances(now, h.cfg.HeartbeatTimeout)
	if err != nil {
		return nil, fmt.Errorf("analyzeVotings: live instances: %w", err)
	}
	// we are alive, whatever our last heartbeat says
	if !slices.Contains(live, h.instanceID) {
		live = append(slices.Clone(live), h.instanceID)
	}
	slices.Sort(live)
	isLive := func(id string) bool {
		_, found := slices.BinarySearch(live, id)
		return found
	}

	votings, malformed, err := h.store.ListVotings()
	if err != nil {
		return nil, fmt.Errorf("analyzeVotings: %w", err)
	}
	for _, id := range malformed {
		if err := h.store.Remove(id); err != nil {
			logger.Error(fmt.Sprintf("[%s] analyzeVotings: could not remove malformed voting %s: %v", h.instanceID, id, err))
			continue
		}
		logger.Info(fmt.Sprintf("[%s] analyzeVotings: removed malformed voting %s", h.instanceID, id))
	}

	outcomes := Outcomes{}
	var open []*VotingView
	for _, v := range votings {
		switch {
		case v.IsTimedOut(now, h.cfg.VoteTimeout):
			if err := h.store.Remove(v.VotingID); err != nil {
				logger.Error(fmt.Sprintf("[%s] analyzeVotings: could not remove timed out %s: %v", h.instanceID, v, err))
				continue
			}
			logger.Info(fmt.Sprintf("[%s] analyzeVotings: removed timed out %s", h.instanceID, v))
			outcomes[v.VotingID] = TimedOut
		case v.HasNoVotes():
			// a single no loses the voting for good
			h.voteNo(v, now, "it already has no votes", outcomes)
			if err := h.store.Remove(v.VotingID); err != nil {
				logger.Error(fmt.Sprintf("[%s] analyzeVotings: could not remove rejected %s: %v", h.instanceID, v, err))
				continue
			}
			logger.Info(fmt.Sprintf("[%s] analyzeVotings: removed rejected %s", h.instanceID, v))
		default:
			open = append(open, v)
		}
	}
	if len(open) == 0 {
		if logger.IsVerbose() {
			logger.Verbose(fmt.Sprintf("[%s] analyzeVotings: no open votings", h.instanceID))
		}
		return outcomes, nil
	}

	wins := func(v *VotingView) bool {
		return v.Tally(isLive).Wins(h.cfg.Quorum)
	}
	if i := slices.IndexFunc(open, wins); i >= 0 {
		winner := open[i]
		if winner.IsInitiatedBy(h.instanceID) {
			h.promote(winner, now, wins, outcomes)
			return outcomes, nil
		}
		logger.Info(fmt.Sprintf("[%s] analyzeVotings: %s is winning, waiting for %s to promote it",
			h.instanceID, winner, winner.InitiatorID))
		outcomes[winner.VotingID] = Winning
		for _, v := range open {
			if v != winner {
				h.voteNo(v, now, "another voting is winning", outcomes)
			}
		}
		return outcomes, nil
	}

	var yesCandidate *VotingView
	for _, v := range open {
		if mismatch := v.MatchesLiveView(live); mismatch != "" {
			h.voteNo(v, now, "it does not match my live view: "+mismatch, outcomes)
			continue
		}
		if yesCandidate != nil {
			h.voteNo(v, now, "I vote yes for "+yesCandidate.VotingID, outcomes)
			continue
		}
		yesCandidate = v
	}
	if yesCandidate != nil {
		h.voteYes(yesCandidate, now, outcomes)
	}
	return outcomes, nil
}

func (h *Handler) promote(v *VotingView, now time.Time, wins func(*VotingView) bool, outcomes Outcomes) {
	logger.Info(fmt.Sprintf("[%s] analyzeVotings: my voting is winning, promoting %s", h.instanceID, v))
	view, err := h.store.Promote(v.VotingID, h.instanceID, now, wins)
	switch {
	case err == nil:
		logger.Info(fmt.Sprintf("[%s] analyzeVotings: promoted %s", h.instanceID, view))
		outcomes[v.VotingID] = Promoted
	case errors.Is(err, ErrVotingNotFound):
		logger.Info(fmt.Sprintf("[%s] analyzeVotings: %s vanished before promotion", h.instanceID, v.VotingID))
	case errors.Is(err, ErrNotWinning), errors.Is(err, ErrStaleVoting):
		logger.Warning(fmt.Sprintf("[%s] analyzeVotings: not promoting: %v", h.instanceID, err))
	default:
		logger.Error(fmt.Sprintf("[%s] analyzeVotings: promotion of %s failed: %v", h.instanceID, v.VotingID, err))
	}
}

func (h *Handler) voteYes(v *VotingView, now time.Time, outcomes Outcomes) {
	if v.HasVoted(h.instanceID) {
		outcomes[v.VotingID] = Unchanged
		return
	}
	logger.Info(fmt.Sprintf("[%s] analyzeVotings: voting yes for %s", h.instanceID, v))
	h.cast(v, Ballot{
		InstanceID:       h.instanceID,
		Decision:         Yes,
		VotedAt:          now,
		LeaderElectionID: h.LeaderElectionID(),
	}, VotedYes, outcomes)
}

func (h *Handler) voteNo(v *VotingView, now time.Time, reason string, outcomes Outcomes) {
	if v.HasVoted(h.instanceID) {
		outcomes[v.VotingID] = Unchanged
		return
	}
	if !v.IsMember(h.instanceID) {
		if logger.IsVerbose() {
			logger.Verbose(fmt.Sprintf("[%s] analyzeVotings: not a member of %s, cannot vote", h.instanceID, v))
		}
		outcomes[v.VotingID] = Unchanged
		return
	}
	logger.Info(fmt.Sprintf("[%s] analyzeVotings: voting no for %s, %s", h.instanceID, v, reason))
	h.cast(v, Ballot{InstanceID: h.instanceID, Decision: No, VotedAt: now}, VotedNo, outcomes)
}

func (h *Handler) cast(v *VotingView, b Ballot, detail Detail, outcomes Outcomes) {
	err := h.store.CastBallot(v.VotingID, b)
	switch {
	case err == nil:
		outcomes[v.VotingID] = detail
	case errors.Is(err, ErrAlreadyVoted):
		if logger.IsVerbose() {
			logger.Verbose(fmt.Sprintf("[%s] analyzeVotings: %v", h.instanceID, err))
		}
		outcomes[v.VotingID] = Unchanged
	case errors.Is(err, ErrVotingNotFound):
		if logger.IsVerbose() {
			logger.Verbose(fmt.Sprintf("[%s] analyzeVotings: %s vanished while voting", h.instanceID, v.VotingID))
		}
	default:
		logger.Error(fmt.Sprintf("[%s] analyzeVotings: could not vote on %s: %v", h.instanceID, v.VotingID, err))
	}
}
