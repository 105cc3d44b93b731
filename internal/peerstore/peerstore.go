// Package peerstore implements the in-memory peer registry: the map of
// known remote nodes, their trust scoring, and the selection policies used
// by discovery gossip and onion-circuit construction.
package peerstore

import (
	"sort"
	"sync"
	"time"
)

// Record is everything known locally about one remote node.
type Record struct {
	Fingerprint     string
	DisplayName     string
	Address         string
	ArsonPort       uint16
	HTTPPort        uint16
	PreferSecure    bool
	LastPing        time.Time
	LatencyMS       int64 // 0 means "unknown"; HasLatency distinguishes 0ms from unmeasured
	HasLatency      bool
	TrustScore      uint8
	FailedAttempts  int
	AgreementPub    [32]byte
	HasAgreementKey bool
	Connected       bool
	Protocols       []string // display/diagnostics only, never consulted for routing
}

// LastSeen is a derived, non-authoritative freshness value for display
// purposes; it carries no selection weight.
func (r Record) LastSeen() time.Time { return r.LastPing }

const (
	maxTrustScore  = 255
	evictThreshold = 10 // failed_attempts > 10 evicts
)

// Store is a concurrency-safe fingerprint-keyed peer registry.
type Store struct {
	mu    sync.RWMutex
	peers map[string]Record
	self  string // local fingerprint, never inserted or returned by selection
}

// New creates an empty registry. self is the local node's own fingerprint,
// used to filter it out of anything discovery ingests.
func New(self string) *Store {
	return &Store{peers: make(map[string]Record), self: self}
}

// Upsert inserts or refreshes a record. If a record already exists for the
// fingerprint, trust_score and failed_attempts are preserved unless the
// caller has set preserveScoring to false.
func (s *Store) Upsert(rec Record, preserveScoring bool) {
	if rec.Fingerprint == s.self {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if preserveScoring {
		if existing, ok := s.peers[rec.Fingerprint]; ok {
			rec.TrustScore = existing.TrustScore
			rec.FailedAttempts = existing.FailedAttempts
		}
	}
	s.peers[rec.Fingerprint] = rec
}

// Bootstrap inserts each seed with trust_score=50, failed_attempts=0,
// skipping any entry matching the local fingerprint.
func (s *Store) Bootstrap(seeds []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range seeds {
		if rec.Fingerprint == s.self {
			continue
		}
		rec.TrustScore = 50
		rec.FailedAttempts = 0
		s.peers[rec.Fingerprint] = rec
	}
}

// MarkProbeOK records a successful liveness probe: resets failed_attempts,
// bumps trust_score by 1 (capped at 255), and records the measured RTT.
func (s *Store) MarkProbeOK(fp string, rttMS int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.peers[fp]
	if !ok {
		return
	}
	rec.LastPing = at
	rec.LatencyMS = rttMS
	rec.HasLatency = true
	rec.FailedAttempts = 0
	if rec.TrustScore < maxTrustScore {
		rec.TrustScore++
	}
	rec.Connected = true
	s.peers[fp] = rec
}

// MarkProbeFail records a failed probe: trust_score drops by 5 (floored at
// 0), failed_attempts increments, and the record is evicted once
// failed_attempts exceeds 10.
func (s *Store) MarkProbeFail(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.peers[fp]
	if !ok {
		return
	}
	rec.FailedAttempts++
	if rec.TrustScore >= 5 {
		rec.TrustScore -= 5
	} else {
		rec.TrustScore = 0
	}
	rec.Connected = false
	if rec.FailedAttempts > evictThreshold {
		delete(s.peers, fp)
		return
	}
	s.peers[fp] = rec
}

// Get returns a single record by fingerprint.
func (s *Store) Get(fp string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.peers[fp]
	return rec, ok
}

// Remove deletes a record outright, used when a node is known to be gone
// rather than merely unreachable.
func (s *Store) Remove(fp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, fp)
}

// Snapshot returns every known record, for display or persistence.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.peers))
	for _, rec := range s.peers {
		out = append(out, rec)
	}
	return out
}

// SelectForPeerExchange returns up to max records eligible for gossip:
// trust_score>20, failed_attempts<3, sorted descending by trust_score.
func (s *Store) SelectForPeerExchange(max int) []Record {
	s.mu.RLock()
	candidates := make([]Record, 0, len(s.peers))
	for _, rec := range s.peers {
		if rec.TrustScore > 20 && rec.FailedAttempts < 3 {
			candidates = append(candidates, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].TrustScore != candidates[j].TrustScore {
			return candidates[i].TrustScore > candidates[j].TrustScore
		}
		return candidates[i].Fingerprint < candidates[j].Fingerprint
	})
	if max >= 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

// defaultLatencyMS is substituted for records with no measured latency when
// computing the circuit-hop composite score.
const defaultLatencyMS = 1000

// SelectCircuitHops returns up to k records eligible as onion hops:
// trust_score>30, has an agreement key, failed_attempts<3, fingerprint not
// in exclude, sorted descending by trust_score - latency_ms/10, ties broken
// by fingerprint for determinism.
func (s *Store) SelectCircuitHops(k int, exclude map[string]bool) []Record {
	s.mu.RLock()
	candidates := make([]Record, 0, len(s.peers))
	for _, rec := range s.peers {
		if !rec.HasAgreementKey {
			continue
		}
		if rec.TrustScore <= 30 {
			continue
		}
		if rec.FailedAttempts >= 3 {
			continue
		}
		if exclude != nil && exclude[rec.Fingerprint] {
			continue
		}
		candidates = append(candidates, rec)
	}
	s.mu.RUnlock()

	score := func(r Record) float64 {
		lat := int64(defaultLatencyMS)
		if r.HasLatency {
			lat = r.LatencyMS
		}
		return float64(r.TrustScore) - float64(lat)/10.0
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := score(candidates[i]), score(candidates[j])
		if si != sj {
			return si > sj
		}
		return candidates[i].Fingerprint < candidates[j].Fingerprint
	})
	if k >= 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// Len reports the number of records currently held, mainly for tests and
// diagnostics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
