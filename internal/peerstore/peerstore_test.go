package peerstore

import (
	"testing"
	"time"
)

func agreementRecord(fp string, trust uint8) Record {
	return Record{
		Fingerprint:     fp,
		TrustScore:      trust,
		HasAgreementKey: true,
	}
}

func TestScoringMonotonicityAndBounds(t *testing.T) {
	s := New("self")
	s.Bootstrap([]Record{{Fingerprint: "a"}})

	for i := 0; i < 300; i++ {
		before, _ := s.Get("a")
		s.MarkProbeOK("a", 10, time.Now())
		after, _ := s.Get("a")
		if after.TrustScore < before.TrustScore {
			t.Fatalf("trust_score decreased on success: %d -> %d", before.TrustScore, after.TrustScore)
		}
		if after.TrustScore > 255 {
			t.Fatalf("trust_score exceeded 255: %d", after.TrustScore)
		}
	}
	rec, _ := s.Get("a")
	if rec.TrustScore != 255 {
		t.Fatalf("expected saturation at 255, got %d", rec.TrustScore)
	}

	for i := 0; i < 300; i++ {
		before, ok := s.Get("a")
		if !ok {
			break
		}
		s.MarkProbeFail("a")
		after, ok := s.Get("a")
		if ok && after.TrustScore > before.TrustScore {
			t.Fatalf("trust_score increased on failure: %d -> %d", before.TrustScore, after.TrustScore)
		}
	}
}

func TestEvictionThreshold(t *testing.T) {
	s := New("self")
	s.Bootstrap([]Record{{Fingerprint: "a"}})
	for i := 0; i < 10; i++ {
		s.MarkProbeFail("a")
		if _, ok := s.Get("a"); !ok {
			t.Fatalf("record evicted too early, after %d failures", i+1)
		}
	}
	s.MarkProbeFail("a")
	if _, ok := s.Get("a"); ok {
		t.Fatalf("expected eviction after 11 consecutive failures")
	}
}

func TestSelectCircuitHopsFilters(t *testing.T) {
	s := New("self")
	s.Upsert(agreementRecord("low-trust", 25), false)
	s.Upsert(agreementRecord("no-agreement", 100), false)
	s.peers["no-agreement"] = Record{Fingerprint: "no-agreement", TrustScore: 100, HasAgreementKey: false}
	s.Upsert(agreementRecord("failing", 100), false)
	s.peers["failing"] = Record{Fingerprint: "failing", TrustScore: 100, HasAgreementKey: true, FailedAttempts: 3}
	s.Upsert(agreementRecord("excluded", 100), false)
	s.Upsert(agreementRecord("good", 100), false)

	got := s.SelectCircuitHops(10, map[string]bool{"excluded": true})
	seen := map[string]bool{}
	for _, r := range got {
		seen[r.Fingerprint] = true
	}
	if seen["low-trust"] {
		t.Fatalf("selected a peer with trust_score <= 30")
	}
	if seen["no-agreement"] {
		t.Fatalf("selected a peer lacking an agreement key")
	}
	if seen["failing"] {
		t.Fatalf("selected a peer with failed_attempts >= 3")
	}
	if seen["excluded"] {
		t.Fatalf("selected an excluded peer")
	}
	if !seen["good"] {
		t.Fatalf("expected eligible peer to be selected")
	}
}

func TestSelectCircuitHopsOrderingAndTieBreak(t *testing.T) {
	s := New("self")
	a := agreementRecord("b-fp", 100)
	a.HasLatency = true
	a.LatencyMS = 0
	s.Upsert(a, false)

	c := agreementRecord("a-fp", 100)
	c.HasLatency = true
	c.LatencyMS = 0
	s.Upsert(c, false)

	d := agreementRecord("z-fp", 50)
	d.HasLatency = true
	d.LatencyMS = 5000
	s.Upsert(d, false)

	got := s.SelectCircuitHops(10, nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	// a-fp and b-fp tie on score (trust 100, latency 0); fingerprint order breaks the tie.
	if got[0].Fingerprint != "a-fp" || got[1].Fingerprint != "b-fp" {
		t.Fatalf("tie-break order wrong: %v", []string{got[0].Fingerprint, got[1].Fingerprint})
	}
	if got[2].Fingerprint != "z-fp" {
		t.Fatalf("expected lowest composite score last, got %s", got[2].Fingerprint)
	}
}

func TestSelectForPeerExchangeFilters(t *testing.T) {
	s := New("self")
	s.Upsert(Record{Fingerprint: "low", TrustScore: 10}, false)
	s.Upsert(Record{Fingerprint: "failing", TrustScore: 100, FailedAttempts: 3}, false)
	s.Upsert(Record{Fingerprint: "good-1", TrustScore: 100}, false)
	s.Upsert(Record{Fingerprint: "good-2", TrustScore: 200}, false)

	got := s.SelectForPeerExchange(10)
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible peers, got %d: %+v", len(got), got)
	}
	if got[0].Fingerprint != "good-2" {
		t.Fatalf("expected descending trust_score order, got %s first", got[0].Fingerprint)
	}
}

func TestUpsertPreservesScoringByDefault(t *testing.T) {
	s := New("self")
	s.Bootstrap([]Record{{Fingerprint: "a"}})
	s.MarkProbeFail("a")
	before, _ := s.Get("a")

	s.Upsert(Record{Fingerprint: "a", DisplayName: "new-name", TrustScore: 1, FailedAttempts: 1}, true)
	after, _ := s.Get("a")
	if after.TrustScore != before.TrustScore || after.FailedAttempts != before.FailedAttempts {
		t.Fatalf("Upsert with preserveScoring=true changed scoring: before=%+v after=%+v", before, after)
	}
	if after.DisplayName != "new-name" {
		t.Fatalf("Upsert did not refresh non-scoring fields")
	}
}

func TestBootstrapNeverInsertsSelf(t *testing.T) {
	s := New("self-fp")
	s.Bootstrap([]Record{{Fingerprint: "self-fp"}, {Fingerprint: "other"}})
	if _, ok := s.Get("self-fp"); ok {
		t.Fatalf("bootstrap inserted the local fingerprint")
	}
	if _, ok := s.Get("other"); !ok {
		t.Fatalf("bootstrap failed to insert a non-local seed")
	}
}

func TestSealedSnapshotRoundTrip(t *testing.T) {
	s := New("self")
	s.Bootstrap([]Record{{Fingerprint: "a", Address: "1.2.3.4"}})
	s.MarkProbeOK("a", 42, time.Now())

	pass := []byte("hunter2")
	sealed, err := s.SealedSnapshot(pass)
	if err != nil {
		t.Fatalf("SealedSnapshot: %v", err)
	}

	restored := New("self")
	n, err := restored.RestoreSealed(pass, sealed)
	if err != nil {
		t.Fatalf("RestoreSealed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restored record, got %d", n)
	}
	rec, ok := restored.Get("a")
	if !ok || rec.Address != "1.2.3.4" || rec.LatencyMS != 42 {
		t.Fatalf("restored record mismatch: %+v", rec)
	}
}
