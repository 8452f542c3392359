package voting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/topovote/internal/config"
)

var (
	ErrVotingNotFound     = errors.New("voting not found")
	ErrDuplicateVoting    = errors.New("open voting with the same members already exists")
	ErrNoMembers          = errors.New("voting without members")
	ErrInitiatorNotMember = errors.New("initiator is not a member of the voting")
	ErrNotMember          = errors.New("instance is not a member of the voting")
	ErrAlreadyVoted       = errors.New("instance already voted")
	ErrNotWinning         = errors.New("voting is not winning")
	ErrStaleVoting        = errors.New("a newer view was established after the voting started")
	ErrMalformedVoting    = errors.New("malformed voting")
	ErrNotActivated       = errors.New("voting handler not activated")
)

type Decision string

const (
	Yes Decision = "yes"
	No  Decision = "no"
)

// Ballot is one instance's vote on one voting. Ballots are write-once.
type Ballot struct {
	InstanceID string    `json:"instanceId"`
	Decision   Decision  `json:"decision"`
	VotedAt    time.Time `json:"votedAt"`
	// LeaderElectionID of the voter, set on yes votes. The lowest one
	// among the members becomes leader of the promoted view.
	LeaderElectionID string `json:"leaderElectionId,omitempty"`
}

// VotingView is a proposed cluster view and the ballots cast on it so far
type VotingView struct {
	VotingID    string    `json:"votingId"`
	InitiatorID string    `json:"initiatorId"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"createdAt"`
	ClusterID   string    `json:"clusterId"`

	// Ballots is keyed by instance id. Stored as separate records, never
	// part of the voting header.
	Ballots map[string]Ballot `json:"ballots,omitempty"`
}

func (v *VotingView) String() string {
	return fmt.Sprintf("voting[id=%s, initiator=%s, members=%v, ballots=%d, created=%s]",
		v.VotingID, v.InitiatorID, v.Members, len(v.Ballots), v.CreatedAt.Format(time.RFC3339))
}

func (v *VotingView) IsMember(instanceID string) bool {
	_, found := slices.BinarySearch(v.Members, instanceID)
	return found
}

func (v *VotingView) IsInitiatedBy(instanceID string) bool {
	return v.InitiatorID == instanceID
}

// Ballot returns the ballot instanceID cast, if any
func (v *VotingView) Ballot(instanceID string) (Ballot, bool) {
	b, ok := v.Ballots[instanceID]
	return b, ok
}

func (v *VotingView) HasVoted(instanceID string) bool {
	_, ok := v.Ballots[instanceID]
	return ok
}

func (v *VotingView) VotedYes(instanceID string) bool {
	b, ok := v.Ballots[instanceID]
	return ok && b.Decision == Yes
}

// HasNoVotes reports whether any member voted no. Such a voting can never win.
func (v *VotingView) HasNoVotes() bool {
	for _, b := range v.Ballots {
		if b.Decision == No {
			return true
		}
	}
	return false
}

// IsTimedOut reports whether the voting is older than timeout at now
func (v *VotingView) IsTimedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(v.CreatedAt) > timeout
}

// Tally counts ballots of members. A yes from an instance that is no
// longer live counts as pending.
func (v *VotingView) Tally(isLive func(instanceID string) bool) Tally {
	var t Tally
	for _, m := range v.Members {
		b, ok := v.Ballots[m]
		switch {
		case !ok:
			t.Pending++
		case b.Decision == No:
			t.No++
		case isLive(m):
			t.Yes++
		default:
			t.Pending++
		}
	}
	return t
}

// MatchesLiveView compares the members with the sorted live instance ids.
// It returns an empty string on an exact match and a description of the
// difference otherwise.
func (v *VotingView) MatchesLiveView(live []string) string {
	if slices.Equal(v.Members, live) {
		return ""
	}
	var missing, dead []string
	for _, id := range live {
		if !v.IsMember(id) {
			missing = append(missing, id)
		}
	}
	for _, id := range v.Members {
		if _, found := slices.BinarySearch(live, id); !found {
			dead = append(dead, id)
		}
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("live but not members: %v", missing))
	}
	if len(dead) > 0 {
		parts = append(parts, fmt.Sprintf("members but not live: %v", dead))
	}
	return strings.Join(parts, "; ")
}

// validate checks the fields every stored voting must have
func (v *VotingView) validate() error {
	switch {
	case v.VotingID == "":
		return fmt.Errorf("%w: missing votingId", ErrMalformedVoting)
	case v.InitiatorID == "":
		return fmt.Errorf("%w: %s: missing initiatorId", ErrMalformedVoting, v.VotingID)
	case len(v.Members) == 0:
		return fmt.Errorf("%w: %s: no members", ErrMalformedVoting, v.VotingID)
	case v.CreatedAt.IsZero():
		return fmt.Errorf("%w: %s: missing createdAt", ErrMalformedVoting, v.VotingID)
	case !slices.IsSorted(v.Members) || len(slices.Compact(slices.Clone(v.Members))) != len(v.Members):
		return fmt.Errorf("%w: %s: members not a sorted set", ErrMalformedVoting, v.VotingID)
	case !v.IsMember(v.InitiatorID):
		return fmt.Errorf("%w: %s: initiator %s not a member", ErrMalformedVoting, v.VotingID, v.InitiatorID)
	}
	for id, b := range v.Ballots {
		if b.InstanceID != id || !v.IsMember(id) || (b.Decision != Yes && b.Decision != No) {
			return fmt.Errorf("%w: %s: bad ballot of %s", ErrMalformedVoting, v.VotingID, id)
		}
	}
	return nil
}

// normalizeMembers returns members as a sorted set
func normalizeMembers(members []string) []string {
	m := slices.Clone(members)
	slices.Sort(m)
	return slices.Compact(m)
}

type Tally struct {
	Yes     int
	No      int
	Pending int
}

// Wins reports whether the tally reaches quorum q. Any no vote loses.
func (t Tally) Wins(q config.Quorum) bool {
	if t.No > 0 {
		return false
	}
	members := t.Yes + t.Pending
	if q == config.QuorumUnanimous {
		return t.Yes == members
	}
	return t.Yes > members/2
}

// EstablishedView is the cluster view every instance currently agrees on
type EstablishedView struct {
	ViewID           string    `json:"viewId"`
	ClusterID        string    `json:"clusterId"`
	Members          []string  `json:"members"`
	LeaderID         string    `json:"leaderId"`
	LeaderElectionID string    `json:"leaderElectionId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	PromotedAt       time.Time `json:"promotedAt"`
	PromotedBy       string    `json:"promotedBy"`
}

func (e *EstablishedView) String() string {
	return fmt.Sprintf("view[id=%s, members=%v, leader=%s]", e.ViewID, e.Members, e.LeaderID)
}

// Detail is the per-voting result of one analysis round
type Detail int

const (
	Promoted Detail = iota + 1
	Winning
	VotedYes
	VotedNo
	Unchanged
	TimedOut
)

var detailNames = map[Detail]string{
	Promoted:  "PROMOTED",
	Winning:   "WINNING",
	VotedYes:  "VOTED_YES",
	VotedNo:   "VOTED_NO",
	Unchanged: "UNCHANGED",
	TimedOut:  "TIMEDOUT",
}

func (d Detail) String() string {
	if s, ok := detailNames[d]; ok {
		return s
	}
	return fmt.Sprintf("Detail(%d)", int(d))
}

func (d Detail) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Outcomes maps voting ids to what one analysis round did with them
type Outcomes map[string]Detail

// Count returns how many votings ended with d
func (o Outcomes) Count(d Detail) int {
	n := 0
	for _, v := range o {
		if v == d {
			n++
		}
	}
	return n
}
