package relevance

import (
	"math"
	"testing"
	"time"

	"github.com/sparkvibe/memorymesh/memory"
)

func testMemory(t *testing.T, text string) *memory.Memory {
	t.Helper()
	m, err := memory.NewMemory(text)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	return m
}

func TestScoreSemanticComponent(t *testing.T) {
	engine := NewEngine(&Weights{Semantic: 1}) // isolate the semantic signal
	now := time.Now().UTC()

	m := testMemory(t, "x")
	m.Embedding = []float32{1, 0}
	m.UpdatedAt = now

	if s := engine.Score(m, []float32{1, 0}, now); math.Abs(s-1.0) > 1e-9 {
		t.Errorf("identical embeddings should score 1, got %v", s)
	}
	if s := engine.Score(m, []float32{-1, 0}, now); math.Abs(s) > 1e-9 {
		t.Errorf("opposite embeddings should score 0, got %v", s)
	}
	if s := engine.Score(m, []float32{0, 1}, now); math.Abs(s-0.5) > 1e-9 {
		t.Errorf("orthogonal embeddings should score 0.5, got %v", s)
	}
	// Missing or mismatched vectors zero the semantic component.
	if s := engine.Score(m, nil, now); s != 0 {
		t.Errorf("nil query embedding should score 0, got %v", s)
	}
	if s := engine.Score(m, []float32{1, 0, 0}, now); s != 0 {
		t.Errorf("length mismatch should score 0, got %v", s)
	}
}

func TestScoreRecencyComponent(t *testing.T) {
	engine := NewEngine(&Weights{Recency: 1})
	now := time.Now().UTC()

	fresh := testMemory(t, "fresh")
	fresh.UpdatedAt = now
	if s := engine.Score(fresh, nil, now); math.Abs(s-1.0) > 1e-6 {
		t.Errorf("just-updated memory should score ~1, got %v", s)
	}

	old := testMemory(t, "old")
	old.UpdatedAt = now.Add(-30 * 24 * time.Hour)
	want := math.Exp(-1) // 30 days at max_recency_days=30
	if s := engine.Score(old, nil, now); math.Abs(s-want) > 1e-6 {
		t.Errorf("30-day-old memory should score e^-1, got %v", s)
	}

	// Future timestamps clamp to zero days.
	future := testMemory(t, "future")
	future.UpdatedAt = now.Add(time.Hour)
	if s := engine.Score(future, nil, now); math.Abs(s-1.0) > 1e-6 {
		t.Errorf("future updated_at should clamp, got %v", s)
	}
}

func TestScoreImportanceAndFrequency(t *testing.T) {
	now := time.Now().UTC()

	impEngine := NewEngine(&Weights{Importance: 1})
	m := testMemory(t, "x")
	m.Importance = 0.73
	m.UpdatedAt = now
	if s := impEngine.Score(m, nil, now); math.Abs(s-0.73) > 1e-9 {
		t.Errorf("importance component wrong: %v", s)
	}

	freqEngine := NewEngine(&Weights{Frequency: 1})
	m.AccessCount = 50
	if s := freqEngine.Score(m, nil, now); math.Abs(s-0.5) > 1e-9 {
		t.Errorf("50/100 accesses should score 0.5, got %v", s)
	}
	m.AccessCount = 1000
	if s := freqEngine.Score(m, nil, now); math.Abs(s-1.0) > 1e-9 {
		t.Errorf("frequency should saturate at 1, got %v", s)
	}
}

func TestScoreZeroWeights(t *testing.T) {
	engine := NewEngine(&Weights{})
	m := testMemory(t, "x")
	if s := engine.Score(m, nil, time.Now().UTC()); s != 0 {
		t.Errorf("zero total weight must score 0, got %v", s)
	}
}

func TestApplyDecay(t *testing.T) {
	engine := NewEngine(nil)
	now := time.Now().UTC()

	decaying := testMemory(t, "decaying")
	decaying.Importance = 0.8
	decaying.DecayRate = 0.1
	decaying.UpdatedAt = now.Add(-10 * 24 * time.Hour)

	pinned := testMemory(t, "pinned")
	pinned.Importance = 1.0
	pinned.DecayRate = 0
	pinned.UpdatedAt = now.Add(-100 * 24 * time.Hour)

	engine.ApplyDecay([]*memory.Memory{decaying, pinned}, now)

	want := 0.8 * math.Exp(-0.1*10)
	if math.Abs(decaying.Importance-want) > 1e-6 {
		t.Errorf("decay wrong: got %v want %v", decaying.Importance, want)
	}
	if pinned.Importance != 1.0 {
		t.Errorf("zero decay rate must not decay, got %v", pinned.Importance)
	}
}

func TestRankOrderAndTruncation(t *testing.T) {
	engine := NewEngine(&Weights{Importance: 1})
	now := time.Now().UTC()

	var mems []*memory.Memory
	for _, imp := range []float64{0.2, 0.9, 0.5, 0.7} {
		m := testMemory(t, "candidate")
		m.Importance = imp
		m.DecayRate = 0
		m.UpdatedAt = now
		mems = append(mems, m)
	}

	top := engine.Rank(mems, nil, 2, 0, now)
	if len(top) != 2 {
		t.Fatalf("expected 2 results, got %d", len(top))
	}
	if top[0].Importance != 0.9 || top[1].Importance != 0.7 {
		t.Errorf("wrong ranking: %v, %v", top[0].Importance, top[1].Importance)
	}
}

func TestRankMinRelevance(t *testing.T) {
	engine := NewEngine(&Weights{Importance: 1})
	now := time.Now().UTC()

	low := testMemory(t, "low")
	low.Importance = 0.1
	low.DecayRate = 0
	high := testMemory(t, "high")
	high.Importance = 0.9
	high.DecayRate = 0

	results := engine.Rank([]*memory.Memory{low, high}, nil, 10, 0.5, now)
	if len(results) != 1 || results[0].Importance != 0.9 {
		t.Errorf("min relevance filter broken: %v", results)
	}
}

func TestRankTieBreakByUpdatedAt(t *testing.T) {
	engine := NewEngine(&Weights{Importance: 1})
	now := time.Now().UTC()

	older := testMemory(t, "older")
	older.Importance = 0.5
	older.DecayRate = 0
	older.UpdatedAt = now.Add(-time.Hour)

	newer := testMemory(t, "newer")
	newer.Importance = 0.5
	newer.DecayRate = 0
	newer.UpdatedAt = now

	results := engine.Rank([]*memory.Memory{older, newer}, nil, 2, 0, now)
	// Equal scores differ only in recency of update... importance weight
	// alone ties them exactly, so updated_at breaks the tie.
	if results[0].Text != "newer" {
		t.Errorf("tie should break toward the newer memory, got %q first", results[0].Text)
	}
}

func TestRankDeterministic(t *testing.T) {
	engine := NewEngine(nil)
	now := time.Now().UTC()

	var mems []*memory.Memory
	for i := 0; i < 5; i++ {
		m := testMemory(t, "stable")
		m.Importance = 0.5
		m.DecayRate = 0
		m.UpdatedAt = now.Add(-time.Duration(i) * time.Minute)
		mems = append(mems, m)
	}
	first := engine.Rank(append([]*memory.Memory{}, mems...), nil, 5, 0, now)
	second := engine.Rank(append([]*memory.Memory{}, mems...), nil, 5, 0, now)
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("ranking is not stable at position %d", i)
		}
	}
}

func TestWeightsFromEnv(t *testing.T) {
	t.Setenv("MEMORYMESH_WEIGHT_SEMANTIC", "0.7")
	t.Setenv("MEMORYMESH_WEIGHT_RECENCY", "not-a-number")
	t.Setenv("MEMORYMESH_WEIGHT_IMPORTANCE", "-1")
	t.Setenv("MEMORYMESH_WEIGHT_FREQUENCY", "")

	w := WeightsFromEnv()
	if w.Semantic != 0.7 {
		t.Errorf("semantic override ignored: %v", w.Semantic)
	}
	defaults := DefaultWeights()
	if w.Recency != defaults.Recency || w.Importance != defaults.Importance || w.Frequency != defaults.Frequency {
		t.Errorf("invalid/unset values should fall back to defaults: %+v", w)
	}
}
