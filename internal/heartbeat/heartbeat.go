// Package heartbeat records instance liveness in the shared store.
//
// Each instance periodically writes its own record under heartbeat/<id>;
// every instance reads all records to decide who is live. An instance is
// live while now - LastSeen < timeout.
package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/untillpro/goutils/logger"
	"golang.org/x/exp/slices"

	"github.com/dreamware/topovote/internal/storage"
)

const keyPrefix = "heartbeat/"

// ErrDuplicateInstance means another process wrote a heartbeat for the
// same instance id with a different runtime id
var ErrDuplicateInstance = errors.New("duplicate instance id")

type Heartbeat struct {
	InstanceID       string    `json:"instanceId"`
	LastSeen         time.Time `json:"lastSeen"`
	RuntimeID        string    `json:"runtimeId"`
	LeaderElectionID string    `json:"leaderElectionId"`
	Endpoint         string    `json:"endpoint,omitempty"`
}

// IsLive reports whether the heartbeat is younger than timeout at now
func (hb Heartbeat) IsLive(now time.Time, timeout time.Duration) bool {
	return now.Sub(hb.LastSeen) < timeout
}

type Store struct {
	store storage.Store
}

func NewStore(store storage.Store) *Store {
	return &Store{store: store}
}

func key(instanceID string) string {
	return keyPrefix + instanceID
}

// RecordHeartbeat writes hb for its instance. LastSeen never moves
// backwards: an older timestamp keeps the stored one. Unless first is set,
// a stored record with a different RuntimeID fails with
// ErrDuplicateInstance and nothing is written.
func (s *Store) RecordHeartbeat(hb Heartbeat, first bool) error {
	if hb.InstanceID == "" {
		return errors.New("heartbeat without instance id")
	}
	return s.store.Update(func(tx storage.Txn) error {
		prev, found, err := read(tx, hb.InstanceID)
		if err != nil {
			// a corrupt record is replaced
			logger.Warning(fmt.Sprintf("recordHeartbeat: overwriting unreadable heartbeat of %s: %v", hb.InstanceID, err))
			found = false
		}
		if found {
			if !first && prev.RuntimeID != hb.RuntimeID {
				return fmt.Errorf("%w: %s written by runtime %s, we are %s",
					ErrDuplicateInstance, hb.InstanceID, prev.RuntimeID, hb.RuntimeID)
			}
			if prev.LastSeen.After(hb.LastSeen) {
				hb.LastSeen = prev.LastSeen
			}
		}
		data, err := json.Marshal(hb)
		if err != nil {
			return err
		}
		return tx.Put(key(hb.InstanceID), data)
	})
}

// LastHeartbeat returns the stored heartbeat of instanceID. found is false
// when the instance never heartbeated.
func (s *Store) LastHeartbeat(instanceID string) (hb Heartbeat, found bool, err error) {
	err = s.store.View(func(r storage.Reader) error {
		hb, found, err = read(r, instanceID)
		return err
	})
	return hb, found, err
}

// List returns every readable heartbeat ordered by instance id.
// Unreadable records are logged and skipped.
func (s *Store) List() ([]Heartbeat, error) {
	var result []Heartbeat
	err := s.store.View(func(r storage.Reader) error {
		keys, err := r.List(keyPrefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			hb, found, err := read(r, strings.TrimPrefix(k, keyPrefix))
			if err != nil {
				logger.Warning(fmt.Sprintf("listHeartbeats: skipping %s: %v", k, err))
				continue
			}
			if found {
				result = append(result, hb)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	return result, nil
}

// LiveInstances returns the sorted ids of instances live at now
func (s *Store) LiveInstances(now time.Time, timeout time.Duration) ([]string, error) {
	hbs, err := s.List()
	if err != nil {
		return nil, err
	}
	var live []string
	for _, hb := range hbs {
		if hb.IsLive(now, timeout) {
			live = append(live, hb.InstanceID)
		}
	}
	slices.Sort(live)
	return live, nil
}

// Withdraw deletes the heartbeat of instanceID if it was written by
// runtimeID, so a leaving instance drops out of the live set without
// waiting for the heartbeat timeout. A heartbeat of another runtime is
// left alone and withdrawn reports false.
func (s *Store) Withdraw(instanceID, runtimeID string) (withdrawn bool, err error) {
	err = s.store.Update(func(tx storage.Txn) error {
		hb, found, err := read(tx, instanceID)
		if err != nil || !found || hb.RuntimeID != runtimeID {
			return err
		}
		withdrawn = true
		return tx.Delete(key(instanceID))
	})
	return withdrawn, err
}

func read(r storage.Reader, instanceID string) (Heartbeat, bool, error) {
	var hb Heartbeat
	data, err := r.Get(key(instanceID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return hb, false, nil
	}
	if err != nil {
		return hb, false, err
	}
	if err := json.Unmarshal(data, &hb); err != nil {
		return hb, false, fmt.Errorf("decode heartbeat %s: %w", instanceID, err)
	}
	if hb.InstanceID != instanceID {
		return hb, false, fmt.Errorf("heartbeat %s names instance %q", instanceID, hb.InstanceID)
	}
	return hb, true, nil
}

// NewLeaderElectionID builds the id compared at promotion time to pick the
// leader of a new view; the lowest id wins. Preferred instances sort first,
// then the instance that started earliest.
func NewLeaderElectionID(instanceID string, startedAt time.Time, preferred bool) string {
	prefix := "1"
	if preferred {
		prefix = "0"
	}
	return fmt.Sprintf("%s_%019d_%s", prefix, startedAt.UnixMilli(), instanceID)
}
