package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/untillpro/goutils/logger"
	"golang.org/x/exp/slices"

	"github.com/dreamware/topovote/internal/cluster"
	"github.com/dreamware/topovote/internal/config"
	"github.com/dreamware/topovote/internal/discovery"
	"github.com/dreamware/topovote/internal/heartbeat"
	"github.com/dreamware/topovote/internal/storage"
	"github.com/dreamware/topovote/internal/voting"
)

var errUnknownInstance = errors.New("unknown instance")

// viewResponse is served on /view
type viewResponse struct {
	Established *voting.EstablishedView `json:"established"`
	Previous    *voting.EstablishedView `json:"previous,omitempty"`
	Live        []string                `json:"live"`
	Stable      bool                    `json:"stable"`
}

// instanceStatus is one entry served on /instances
type instanceStatus struct {
	heartbeat.Heartbeat
	Live bool `json:"live"`
}

// newMux routes the status API to services. Every service shares store,
// so read endpoints answer from the first one; POST /votings/start picks
// the instance named in the request.
func newMux(cfg config.Config, store storage.Store, services []*discovery.Service) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(cfg, store, services, w, r)
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		handleView(services[0], w, r)
	})
	mux.HandleFunc("/votings", func(w http.ResponseWriter, r *http.Request) {
		handleVotings(services[0], w, r)
	})
	mux.HandleFunc("/instances", func(w http.ResponseWriter, r *http.Request) {
		handleInstances(services[0], w, r)
	})
	mux.HandleFunc("/votings/start", func(w http.ResponseWriter, r *http.Request) {
		handleStartVoting(services, w, r)
	})
	return mux
}

// handleHealth lists the local instances and whether one of them leads
// the established view, together with the size of the record store
func handleHealth(cfg config.Config, store storage.Store, services []*discovery.Service, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		cluster.WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	view, err := services[0].EstablishedView()
	if err != nil {
		cluster.WriteError(w, http.StatusServiceUnavailable, err)
		return
	}
	stats := store.Stats()
	resp := cluster.HealthResponse{Status: "ok", Records: stats.Keys, RecordBytes: stats.Bytes}
	for _, svc := range services {
		resp.Instances = append(resp.Instances, cluster.InstanceInfo{
			ID:       svc.InstanceID(),
			Addr:     cfg.PublicAddr,
			IsLocal:  true,
			IsLeader: view != nil && view.LeaderID == svc.InstanceID(),
		})
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

// handleView returns the established view together with the live set.
// Stable means no voting is open and the view matches the live set.
func handleView(svc *discovery.Service, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		cluster.WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	view, err := svc.EstablishedView()
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	live, err := svc.LiveInstances()
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	previous, err := svc.PreviousView()
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	open, err := svc.OpenVotings()
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	resp := viewResponse{Established: view, Previous: previous, Live: live}
	resp.Stable = view != nil && len(open) == 0 && slices.Equal(view.Members, live)
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func handleVotings(svc *discovery.Service, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		cluster.WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	open, err := svc.OpenVotings()
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	if open == nil {
		open = []*voting.VotingView{}
	}
	cluster.WriteJSON(w, http.StatusOK, open)
}

func handleInstances(svc *discovery.Service, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		cluster.WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	hbs, err := svc.Heartbeats()
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	live, err := svc.LiveInstances()
	if err != nil {
		cluster.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	resp := make([]instanceStatus, 0, len(hbs))
	for _, hb := range hbs {
		_, isLive := slices.BinarySearch(live, hb.InstanceID)
		resp = append(resp, instanceStatus{Heartbeat: hb, Live: isLive})
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

// handleStartVoting opens a voting for the current live set on behalf of
// the requested instance. With Reset the instance first gives up its
// place in leader election.
//
// Responses:
//   - 201: the new voting
//   - 404: no local instance with the requested id
//   - 409: a voting for the same members is already open
func handleStartVoting(services []*discovery.Service, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		cluster.WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req cluster.StartVotingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	svc := services[0]
	if req.Instance != "" {
		svc = nil
		for _, s := range services {
			if s.InstanceID() == req.Instance {
				svc = s
				break
			}
		}
		if svc == nil {
			cluster.WriteError(w, http.StatusNotFound, fmt.Errorf("%w: %s", errUnknownInstance, req.Instance))
			return
		}
	}
	if req.Reset {
		svc.ResetLeaderElectionID()
	}
	v, err := svc.StartNewVoting()
	switch {
	case err == nil:
		cluster.WriteJSON(w, http.StatusCreated, v)
	case errors.Is(err, voting.ErrDuplicateVoting):
		cluster.WriteError(w, http.StatusConflict, err)
	default:
		logger.Error(fmt.Sprintf("[%s] start voting: %v", svc.InstanceID(), err))
		cluster.WriteError(w, http.StatusInternalServerError, err)
	}
}
