package retention

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func candidate(source string, version int64, age time.Duration, now time.Time) Candidate {
	return Candidate{
		ID:        uuid.New(),
		SourceID:  source,
		Version:   version,
		Status:    "active",
		CreatedAt: now.Add(-age),
	}
}

func versions(cs []Candidate) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.Version
	}
	return out
}

func TestComputePlanKeepLast(t *testing.T) {
	now := time.Now()
	var candidates []Candidate
	for v := int64(1); v <= 5; v++ {
		candidates = append(candidates, candidate("src", v, 365*24*time.Hour, now))
	}

	plan := computePlan(candidates, Policy{KeepLast: 3}, now)

	if len(plan.Keep) != 3 {
		t.Fatalf("keep = %v, want 3 newest", versions(plan.Keep))
	}
	for i, want := range []int64{5, 4, 3} {
		if plan.Keep[i].Version != want {
			t.Errorf("keep[%d] = v%d, want v%d", i, plan.Keep[i].Version, want)
		}
	}
	if len(plan.Delete) != 2 {
		t.Errorf("delete = %v, want v2 and v1", versions(plan.Delete))
	}
}

func TestComputePlanMaxAgeProtectsRecent(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		candidate("src", 1, 200*24*time.Hour, now),
		candidate("src", 2, 100*24*time.Hour, now),
		candidate("src", 3, 10*24*time.Hour, now),
		candidate("src", 4, 1*24*time.Hour, now),
	}

	// KeepLast 1 alone would delete v1..v3, but the age rule protects
	// anything under 30 days.
	plan := computePlan(candidates, Policy{KeepLast: 1, MaxAgeDays: 30}, now)

	if got := versions(plan.Keep); len(got) != 2 || got[0] != 4 || got[1] != 3 {
		t.Errorf("keep = %v, want [4 3]", got)
	}
	if got := versions(plan.Delete); len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Errorf("delete = %v, want [2 1]", got)
	}
}

func TestComputePlanAgeBoundary(t *testing.T) {
	now := time.Now()
	cutoffAge := 30 * 24 * time.Hour
	candidates := []Candidate{
		candidate("src", 1, cutoffAge+time.Hour, now),
		candidate("src", 2, cutoffAge-time.Hour, now),
	}

	plan := computePlan(candidates, Policy{MaxAgeDays: 30}, now)

	if len(plan.Keep) != 1 || plan.Keep[0].Version != 2 {
		t.Errorf("keep = %v, want just-inside-cutoff v2", versions(plan.Keep))
	}
	if len(plan.Delete) != 1 || plan.Delete[0].Version != 1 {
		t.Errorf("delete = %v, want just-outside-cutoff v1", versions(plan.Delete))
	}
}

func TestComputePlanEmptyPolicyDeletesNothing(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		candidate("src", 1, 1000*24*time.Hour, now),
		candidate("src", 2, 1000*24*time.Hour, now),
	}

	plan := computePlan(candidates, Policy{}, now)

	if len(plan.Delete) != 0 {
		t.Errorf("empty policy should delete nothing, got %v", versions(plan.Delete))
	}
	if len(plan.Keep) != 2 {
		t.Errorf("keep = %d, want all candidates", len(plan.Keep))
	}
}

func TestComputePlanPerSourceIsolation(t *testing.T) {
	now := time.Now()
	candidates := []Candidate{
		candidate("a", 1, 365*24*time.Hour, now),
		candidate("a", 2, 365*24*time.Hour, now),
		candidate("b", 1, 365*24*time.Hour, now),
	}

	plan := computePlan(candidates, Policy{KeepLast: 1}, now)

	kept := make(map[string][]int64)
	for _, c := range plan.Keep {
		kept[c.SourceID] = append(kept[c.SourceID], c.Version)
	}
	// Source b's only version counts against b's quota, not a's.
	if len(kept["a"]) != 1 || kept["a"][0] != 2 {
		t.Errorf("source a keep = %v, want [2]", kept["a"])
	}
	if len(kept["b"]) != 1 || kept["b"][0] != 1 {
		t.Errorf("source b keep = %v, want [1]", kept["b"])
	}
	if len(plan.Delete) != 1 || plan.Delete[0].SourceID != "a" {
		t.Errorf("delete = %+v, want only a/v1", plan.Delete)
	}
}

func TestComputePlanNoCandidates(t *testing.T) {
	plan := computePlan(nil, Policy{KeepLast: 3}, time.Now())
	if len(plan.Keep) != 0 || len(plan.Delete) != 0 {
		t.Errorf("no candidates should yield empty plan, got %+v", plan)
	}
}
