package runner

import "testing"

func TestDecideShardCount_BelowThreshold(t *testing.T) {
	if got := decideShardCount(500, 1000, 500, 8); got != 1 {
		t.Fatalf("expected 1 shard below threshold, got %d", got)
	}
}

func TestDecideShardCount_AboveThreshold(t *testing.T) {
	got := decideShardCount(2000, 1000, 500, 8)
	if got != 4 {
		t.Fatalf("expected 4 shards for 2000 users / 500 per process, got %d", got)
	}
}

func TestDecideShardCount_CeilsPartialShard(t *testing.T) {
	// 1200/500 = 2.4: must round up to 3 shards, not floor to 2, so no
	// shard carries more than minUsersPerProcess users.
	got := decideShardCount(1200, 1000, 500, 8)
	if got != 3 {
		t.Fatalf("expected 3 shards (ceil division), got %d", got)
	}
}

func TestDecideShardCount_CappedByCPUCount(t *testing.T) {
	// Would otherwise be 4 shards, but the host only has 2 CPUs.
	got := decideShardCount(2000, 1000, 500, 2)
	if got != 2 {
		t.Fatalf("expected shard count capped at cpuCount=2, got %d", got)
	}
}

func TestDecideShardCount_NeverZero(t *testing.T) {
	if got := decideShardCount(1500, 1000, 2000, 8); got != 1 {
		t.Fatalf("expected fallback to 1 shard when minUsersPerProcess exceeds total, got %d", got)
	}
}

func TestSplitUsers_DistributesRemainder(t *testing.T) {
	got := splitUsers(10, 3)
	want := []int{4, 3, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d slices, got %d", len(want), len(got))
	}
	sum := 0
	for i, v := range got {
		sum += v
		if v != want[i] {
			t.Fatalf("slice %d: want %d, got %d", i, want[i], v)
		}
	}
	if sum != 10 {
		t.Fatalf("slices must sum to total, got %d", sum)
	}
}
