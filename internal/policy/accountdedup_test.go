package policy

import "testing"

func TestAccountDedupClaimOnce(t *testing.T) {
	d := NewAccountDedup()
	if !d.Claim("m1") {
		t.Fatal("first claim should succeed")
	}
	if d.Claim("m1") {
		t.Fatal("second claim should fail")
	}
}

func TestAccountDedupBatchEviction(t *testing.T) {
	d := NewAccountDedup()
	for i := 0; i < accountDedupCapacity+1; i++ {
		d.Claim(string(rune(i)) + "-x")
	}
	// Crossing the capacity should trigger a 20% batch eviction, so the
	// set should hold noticeably fewer than capacity+1 entries.
	if d.Len() > accountDedupCapacity {
		t.Errorf("got len=%d, want <= capacity after batch eviction", d.Len())
	}
	if d.Len() <= accountDedupCapacity-d.batch {
		t.Errorf("got len=%d, eviction looks excessive", d.Len())
	}
}
