// Package tikv adapts a TiKV cluster, observed through its PD endpoint, to
// the operator subject contracts. Chaos operates on the docker containers
// the cluster runs in.
package tikv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opsloop/operator/pkg/models"
)

const (
	defaultPDEndpoint = "http://127.0.0.1:2379"
	defaultQuorum     = 2
)

// Subject observes a TiKV cluster via the PD HTTP API.
type Subject struct {
	pdEndpoint        string
	quorum            int
	missPeerThreshold int
	gracePeriod       time.Duration
	containers        []string
	httpClient        *http.Client
}

// New builds the subject from campaign parameters:
//
//	pd_endpoint          PD base URL (default http://127.0.0.1:2379)
//	quorum               minimum Up stores (default 2)
//	miss_peer_threshold  tolerated miss-peer regions (default 0)
//	grace_period         violation persistence before ticketing, e.g. "30s"
//	containers           docker container names, used by chaos and reset
func New(params map[string]any) (*Subject, error) {
	s := &Subject{
		pdEndpoint:        stringParam(params, "pd_endpoint", defaultPDEndpoint),
		quorum:            intParam(params, "quorum", defaultQuorum),
		missPeerThreshold: intParam(params, "miss_peer_threshold", 0),
		containers:        stringSliceParam(params, "containers"),
		httpClient:        &http.Client{},
	}
	if s.quorum < 1 {
		return nil, fmt.Errorf("tikv: quorum must be at least 1, got %d", s.quorum)
	}
	grace, err := durationParam(params, "grace_period", 0)
	if err != nil {
		return nil, fmt.Errorf("tikv: %w", err)
	}
	s.gracePeriod = grace
	return s, nil
}

func (s *Subject) Name() string { return "tikv" }

func (s *Subject) Description() string {
	return fmt.Sprintf("TiKV cluster managed through PD at %s; stores run as docker containers %v.",
		s.pdEndpoint, s.containers)
}

// pdStoresResponse mirrors the subset of /pd/api/v1/stores we read.
type pdStoresResponse struct {
	Count  int `json:"count"`
	Stores []struct {
		Store struct {
			ID        uint64 `json:"id"`
			Address   string `json:"address"`
			StateName string `json:"state_name"`
		} `json:"store"`
		Status struct {
			RegionCount int `json:"region_count"`
			LeaderCount int `json:"leader_count"`
		} `json:"status"`
	} `json:"stores"`
}

type pdRegionCheckResponse struct {
	Count int `json:"count"`
}

// Observe snapshots store membership and region health from PD.
func (s *Subject) Observe(ctx context.Context) (models.Observation, error) {
	var storesResp pdStoresResponse
	if err := s.getJSON(ctx, "/pd/api/v1/stores", &storesResp); err != nil {
		return nil, fmt.Errorf("tikv: failed to query stores: %w", err)
	}

	// Miss-peer regions are the leading edge of data-loss risk after a
	// store death; a check failure degrades to -1 rather than failing the
	// whole observation.
	missPeer := -1
	var regionResp pdRegionCheckResponse
	if err := s.getJSON(ctx, "/pd/api/v1/regions/check/miss-peer", &regionResp); err == nil {
		missPeer = regionResp.Count
	}

	stores := make([]any, 0, len(storesResp.Stores))
	up := 0
	for _, entry := range storesResp.Stores {
		if entry.Store.StateName == "Up" {
			up++
		}
		stores = append(stores, map[string]any{
			"id":           entry.Store.ID,
			"address":      entry.Store.Address,
			"state":        entry.Store.StateName,
			"region_count": entry.Status.RegionCount,
			"leader_count": entry.Status.LeaderCount,
		})
	}

	return models.Observation{
		"stores":            stores,
		"stores_total":      len(storesResp.Stores),
		"stores_up":         up,
		"quorum":            s.quorum,
		"miss_peer_regions": missPeer,
	}, nil
}

// IsHealthy requires every store Up and no miss-peer regions.
func (s *Subject) IsHealthy(obs models.Observation) bool {
	total := obsInt(obs, "stores_total")
	up := obsInt(obs, "stores_up")
	missPeer := obsInt(obs, "miss_peer_regions")
	return total > 0 && up == total && missPeer <= s.missPeerThreshold
}

func (s *Subject) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pdEndpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("PD returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// obsInt reads an integer observation field that may have round-tripped
// through JSON as float64.
func obsInt(obs models.Observation, key string) int {
	switch v := obs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringParam(params map[string]any, name, def string) string {
	if v, ok := params[name].(string); ok && v != "" {
		return v
	}
	return def
}

func intParam(params map[string]any, name string, def int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func stringSliceParam(params map[string]any, name string) []string {
	var out []string
	switch v := params[name].(type) {
	case []string:
		return v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func durationParam(params map[string]any, name string, def time.Duration) (time.Duration, error) {
	v, ok := params[name]
	if !ok {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("parameter %s must be a duration string", name)
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", name, err)
	}
	return d, nil
}
