package configfetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func configServer(t *testing.T, cfg remoteConfig) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config/message-router" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(cfg)
	}))
	t.Cleanup(server.Close)
	return server
}

func intPtr(v int) *int { return &v }

func TestFetchAllSingleSource(t *testing.T) {
	server := configServer(t, remoteConfig{
		Queues: []QueueSpec{{QueueURI: "q1", QueueName: "one", Connections: 2}},
		ProcessingPools: []PoolSpec{
			{Code: "POOL-A", Concurrency: 5, RateLimitPerMinute: intPtr(600)},
		},
		Connections: 2,
	})

	f := New(&Config{URLs: []string{server.URL}})
	merged, err := f.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}

	if len(merged.Queues) != 1 || merged.Queues[0].QueueURI != "q1" {
		t.Errorf("Unexpected queues: %+v", merged.Queues)
	}
	if len(merged.Pools) != 1 || merged.Pools[0].Code != "POOL-A" {
		t.Errorf("Unexpected pools: %+v", merged.Pools)
	}
	if merged.Connections != 2 {
		t.Errorf("Expected connections=2, got %d", merged.Connections)
	}
}

func TestFetchAllMergesDisjointSources(t *testing.T) {
	a := configServer(t, remoteConfig{
		Queues:          []QueueSpec{{QueueURI: "qa", Connections: 1}},
		ProcessingPools: []PoolSpec{{Code: "A", Concurrency: 1}},
		Connections:     1,
	})
	b := configServer(t, remoteConfig{
		Queues:          []QueueSpec{{QueueURI: "qb", Connections: 1}},
		ProcessingPools: []PoolSpec{{Code: "B", Concurrency: 2}},
		Connections:     3,
	})

	f := New(&Config{URLs: []string{a.URL, b.URL}})
	merged, err := f.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}

	if len(merged.Queues) != 2 || len(merged.Pools) != 2 {
		t.Fatalf("Expected union of queues and pools, got %+v / %+v", merged.Queues, merged.Pools)
	}
	// connections = max across sources
	if merged.Connections != 3 {
		t.Errorf("Expected connections=3, got %d", merged.Connections)
	}
}

func TestFetchAllFirstSourceWinsOnConflict(t *testing.T) {
	a := configServer(t, remoteConfig{
		Queues:          []QueueSpec{{QueueURI: "shared", QueueName: "from-a", Connections: 1}},
		ProcessingPools: []PoolSpec{{Code: "P", Concurrency: 1}},
	})
	b := configServer(t, remoteConfig{
		Queues:          []QueueSpec{{QueueURI: "shared", QueueName: "from-b", Connections: 9}},
		ProcessingPools: []PoolSpec{{Code: "P", Concurrency: 7}},
	})

	f := New(&Config{URLs: []string{a.URL, b.URL}})
	merged, err := f.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}

	if len(merged.Queues) != 1 || merged.Queues[0].QueueName != "from-a" {
		t.Errorf("Expected first source to win the queue conflict, got %+v", merged.Queues)
	}
	if len(merged.Pools) != 1 || merged.Pools[0].Concurrency != 1 {
		t.Errorf("Expected first source to win the pool conflict, got %+v", merged.Pools)
	}
}

func TestFetchAllToleratesPartialFailure(t *testing.T) {
	good := configServer(t, remoteConfig{
		Queues: []QueueSpec{{QueueURI: "q1", Connections: 1}},
	})

	f := New(&Config{
		URLs:           []string{"http://127.0.0.1:1/unreachable", good.URL},
		RequestTimeout: 500 * time.Millisecond,
	})
	merged, err := f.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("One reachable source should be enough: %v", err)
	}
	if len(merged.Queues) != 1 {
		t.Errorf("Expected queue from the reachable source, got %+v", merged.Queues)
	}
}

func TestFetchAllAllSourcesFail(t *testing.T) {
	f := New(&Config{
		URLs:           []string{"http://127.0.0.1:1/a", "http://127.0.0.1:1/b"},
		RequestTimeout: 200 * time.Millisecond,
	})

	if _, err := f.FetchAll(context.Background()); err == nil {
		t.Fatal("Expected error when every source fails")
	}
}

func TestFetchAllNoSources(t *testing.T) {
	f := New(&Config{})
	if _, err := f.FetchAll(context.Background()); err == nil {
		t.Fatal("Expected error with no configured sources")
	}
}

func TestMergeIdenticalDuplicatesCollapse(t *testing.T) {
	spec := QueueSpec{QueueURI: "q", QueueName: "n", Connections: 1}
	pool := PoolSpec{Code: "P", Concurrency: 2, RateLimitPerMinute: intPtr(60)}

	merged, ok := mergeConfigs([]*remoteConfig{
		{Queues: []QueueSpec{spec}, ProcessingPools: []PoolSpec{pool}},
		{Queues: []QueueSpec{spec}, ProcessingPools: []PoolSpec{pool}},
	})
	if !ok {
		t.Fatal("Expected a merge result")
	}
	if len(merged.Queues) != 1 || len(merged.Pools) != 1 {
		t.Errorf("Identical duplicates must collapse: %+v / %+v", merged.Queues, merged.Pools)
	}
}

func TestMergeDeterministicOnDisjointKeys(t *testing.T) {
	a := &remoteConfig{Queues: []QueueSpec{{QueueURI: "qa"}}, ProcessingPools: []PoolSpec{{Code: "A"}}}
	b := &remoteConfig{Queues: []QueueSpec{{QueueURI: "qb"}}, ProcessingPools: []PoolSpec{{Code: "B"}}}

	ab, _ := mergeConfigs([]*remoteConfig{a, b})
	ba, _ := mergeConfigs([]*remoteConfig{b, a})

	if len(ab.Queues) != len(ba.Queues) || len(ab.Pools) != len(ba.Pools) {
		t.Fatal("Merge of disjoint sources must contain the same elements regardless of order")
	}

	seen := make(map[string]bool)
	for _, q := range ab.Queues {
		seen[q.QueueURI] = true
	}
	for _, q := range ba.Queues {
		if !seen[q.QueueURI] {
			t.Errorf("Queue %s missing from one merge order", q.QueueURI)
		}
	}
}
