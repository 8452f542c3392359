package voting

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/untillpro/goutils/logger"
	"golang.org/x/exp/slices"

	"github.com/dreamware/topovote/internal/storage"
)

const (
	votingPrefix   = "voting/"
	ballotPrefix   = "ballot/"
	establishedKey = "view/established"
	previousKey    = "view/previous"
)

func votingKey(votingID string) string {
	return votingPrefix + votingID
}

func ballotsKey(votingID string) string {
	return ballotPrefix + votingID + "/"
}

func ballotKey(votingID, instanceID string) string {
	return ballotsKey(votingID) + instanceID
}

// Store persists votings, ballots and views in the shared record store.
// The voting header and each ballot are separate records, so an instance
// only ever writes its own ballot key.
type Store struct {
	store       storage.Store
	voteTimeout time.Duration
}

// NewStore creates a Store. voteTimeout decides which existing votings
// still count as open when checking for duplicates.
func NewStore(store storage.Store, voteTimeout time.Duration) *Store {
	return &Store{store: store, voteTimeout: voteTimeout}
}

// NewVoting creates and persists a voting for members initiated by
// initiator, together with the initiator's yes ballot. It fails with
// ErrDuplicateVoting while another voting for the same members is open,
// that is neither timed out nor carrying a no ballot.
func (s *Store) NewVoting(initiator string, members []string, leaderElectionID string, now time.Time) (*VotingView, error) {
	members = normalizeMembers(members)
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	v := &VotingView{
		VotingID:    uuid.NewString(),
		InitiatorID: initiator,
		Members:     members,
		CreatedAt:   now,
	}
	if !v.IsMember(initiator) {
		return nil, fmt.Errorf("%w: %s not in %v", ErrInitiatorNotMember, initiator, members)
	}
	v.Ballots = map[string]Ballot{
		initiator: {InstanceID: initiator, Decision: Yes, VotedAt: now, LeaderElectionID: leaderElectionID},
	}

	err := s.store.Update(func(tx storage.Txn) error {
		keys, err := tx.List(votingPrefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			other, err := load(tx, strings.TrimPrefix(k, votingPrefix))
			if err != nil {
				// malformed ones are cleaned up by analysis
				continue
			}
			// rejected votings are lost and about to be removed
			if other.HasNoVotes() || other.IsTimedOut(now, s.voteTimeout) {
				continue
			}
			if slices.Equal(other.Members, members) {
				return fmt.Errorf("%w: %s", ErrDuplicateVoting, other.VotingID)
			}
		}

		established, err := readView(tx, establishedKey)
		if err != nil {
			return err
		}
		v.ClusterID = v.VotingID
		if established != nil && established.ClusterID != "" {
			v.ClusterID = established.ClusterID
		}
		return write(tx, v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListVotings returns every stored voting ordered by id, timed out and
// rejected ones included. Records that cannot be decoded are returned as
// malformed ids. A voting that cannot be read for other reasons is logged
// and left out; only a failure to list at all is returned as an error.
func (s *Store) ListVotings() (votings []*VotingView, malformed []string, err error) {
	err = s.store.View(func(r storage.Reader) error {
		keys, err := r.List(votingPrefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			id := strings.TrimPrefix(k, votingPrefix)
			v, err := load(r, id)
			switch {
			case err == nil:
				votings = append(votings, v)
			case errors.Is(err, ErrMalformedVoting):
				logger.Warning(fmt.Sprintf("listVotings: %v", err))
				malformed = append(malformed, id)
			case errors.Is(err, ErrVotingNotFound):
			default:
				logger.Error(fmt.Sprintf("listVotings: skipping voting %s: %v", id, err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list votings: %w", err)
	}
	return votings, malformed, nil
}

// Get loads one voting with its ballots
func (s *Store) Get(votingID string) (v *VotingView, err error) {
	err = s.store.View(func(r storage.Reader) error {
		v, err = load(r, votingID)
		return err
	})
	return v, err
}

// Save writes v. The header of an existing voting must not change and
// existing ballots must not be replaced by different ones.
func (s *Store) Save(v *VotingView) error {
	v.Members = normalizeMembers(v.Members)
	if err := v.validate(); err != nil {
		return err
	}
	return s.store.Update(func(tx storage.Txn) error {
		existing, err := load(tx, v.VotingID)
		switch {
		case errors.Is(err, ErrVotingNotFound):
			return write(tx, v)
		case err != nil:
			return err
		}
		if existing.InitiatorID != v.InitiatorID || !slices.Equal(existing.Members, v.Members) ||
			!existing.CreatedAt.Equal(v.CreatedAt) {
			return fmt.Errorf("voting %s is immutable", v.VotingID)
		}
		for id, b := range v.Ballots {
			if prev, ok := existing.Ballots[id]; ok {
				if prev.Decision != b.Decision {
					return fmt.Errorf("%w: %s on %s", ErrAlreadyVoted, id, v.VotingID)
				}
				continue
			}
			if err := putJSON(tx, ballotKey(v.VotingID, id), b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove deletes a voting and its ballots. Removing a missing voting is
// not an error.
func (s *Store) Remove(votingID string) error {
	return s.store.Update(func(tx storage.Txn) error {
		return remove(tx, votingID)
	})
}

// CastBallot records b on votingID
func (s *Store) CastBallot(votingID string, b Ballot) error {
	return s.store.Update(func(tx storage.Txn) error {
		v, err := readHeader(tx, votingID)
		if err != nil {
			return err
		}
		if !v.IsMember(b.InstanceID) {
			return fmt.Errorf("%w: %s on %s", ErrNotMember, b.InstanceID, votingID)
		}
		k := ballotKey(votingID, b.InstanceID)
		_, err = tx.Get(k)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s on %s", ErrAlreadyVoted, b.InstanceID, votingID)
		case !errors.Is(err, storage.ErrKeyNotFound):
			return err
		}
		return putJSON(tx, k, b)
	})
}

// Promote turns votingID into the established view. Within one
// transaction it re-reads the voting, asks confirm whether it still
// wins, refuses when a view was promoted after the voting started, moves
// the established view to previous, writes the new one and deletes every
// open voting. A missing voting yields ErrVotingNotFound, which usually
// means another instance promoted or removed it first.
func (s *Store) Promote(votingID, promoter string, at time.Time, confirm func(*VotingView) bool) (*EstablishedView, error) {
	var view *EstablishedView
	err := s.store.Update(func(tx storage.Txn) error {
		v, err := load(tx, votingID)
		if err != nil {
			return err
		}
		if !confirm(v) {
			return fmt.Errorf("%w: %s", ErrNotWinning, votingID)
		}
		current, err := readView(tx, establishedKey)
		if err != nil {
			return err
		}
		if current != nil && current.PromotedAt.After(v.CreatedAt) {
			return fmt.Errorf("%w: %s started %s, view %s promoted %s", ErrStaleVoting,
				votingID, v.CreatedAt.Format(time.RFC3339Nano), current.ViewID, current.PromotedAt.Format(time.RFC3339Nano))
		}

		view = &EstablishedView{
			ViewID:     v.VotingID,
			ClusterID:  v.ClusterID,
			Members:    slices.Clone(v.Members),
			CreatedAt:  v.CreatedAt,
			PromotedAt: at,
			PromotedBy: promoter,
		}
		view.LeaderID, view.LeaderElectionID = electLeader(v)

		if current != nil {
			if err := putJSON(tx, previousKey, current); err != nil {
				return err
			}
		}
		if err := putJSON(tx, establishedKey, view); err != nil {
			return err
		}
		for _, prefix := range []string{votingPrefix, ballotPrefix} {
			keys, err := tx.List(prefix)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := tx.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// EstablishedView returns the current view, nil if none was promoted yet
func (s *Store) EstablishedView() (*EstablishedView, error) {
	return s.view(establishedKey)
}

// PreviousView returns the view the current one replaced, nil if none
func (s *Store) PreviousView() (*EstablishedView, error) {
	return s.view(previousKey)
}

func (s *Store) view(key string) (v *EstablishedView, err error) {
	err = s.store.View(func(r storage.Reader) error {
		v, err = readView(r, key)
		return err
	})
	return v, err
}

// electLeader picks the member with the lowest leader election id among
// the yes ballots, falling back to the lowest member id
func electLeader(v *VotingView) (leaderID, leaderElectionID string) {
	for _, m := range v.Members {
		b, ok := v.Ballots[m]
		if !ok || b.Decision != Yes || b.LeaderElectionID == "" {
			continue
		}
		if leaderElectionID == "" || b.LeaderElectionID < leaderElectionID {
			leaderID, leaderElectionID = m, b.LeaderElectionID
		}
	}
	if leaderID == "" {
		leaderID = v.Members[0]
	}
	return leaderID, leaderElectionID
}

func readHeader(r storage.Reader, votingID string) (*VotingView, error) {
	data, err := r.Get(votingKey(votingID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVotingNotFound, votingID)
	}
	if err != nil {
		return nil, err
	}
	v := &VotingView{}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedVoting, votingID, err)
	}
	if v.VotingID != votingID {
		return nil, fmt.Errorf("%w: %s: header names %q", ErrMalformedVoting, votingID, v.VotingID)
	}
	v.Ballots = nil
	if err := v.validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func load(r storage.Reader, votingID string) (*VotingView, error) {
	v, err := readHeader(r, votingID)
	if err != nil {
		return nil, err
	}
	keys, err := r.List(ballotsKey(votingID))
	if err != nil {
		return nil, err
	}
	v.Ballots = make(map[string]Ballot, len(keys))
	for _, k := range keys {
		data, err := r.Get(k)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var b Ballot
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("%w: %s: ballot %s: %v", ErrMalformedVoting, votingID, k, err)
		}
		if b.InstanceID != strings.TrimPrefix(k, ballotsKey(votingID)) {
			return nil, fmt.Errorf("%w: %s: ballot %s names %q", ErrMalformedVoting, votingID, k, b.InstanceID)
		}
		v.Ballots[b.InstanceID] = b
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func write(tx storage.Txn, v *VotingView) error {
	header := *v
	header.Ballots = nil
	if err := putJSON(tx, votingKey(v.VotingID), header); err != nil {
		return err
	}
	for id, b := range v.Ballots {
		if err := putJSON(tx, ballotKey(v.VotingID, id), b); err != nil {
			return err
		}
	}
	return nil
}

func remove(tx storage.Txn, votingID string) error {
	keys, err := tx.List(ballotsKey(votingID))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return tx.Delete(votingKey(votingID))
}

func readView(r storage.Reader, key string) (*EstablishedView, error) {
	data, err := r.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v := &EstablishedView{}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

func putJSON(tx storage.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(key, data)
}
