package session

import (
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryLoginUnique(t *testing.T) {
	r := NewRegistry()

	if !r.TryLogin("alice", 1) {
		t.Fatal("first login failed")
	}
	if r.TryLogin("alice", 2) {
		t.Fatal("second login for the same name succeeded")
	}
	if !r.TryLogin("bob", 2) {
		t.Fatal("login for a different name failed")
	}
	if got := r.BroadcastTargets(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("BroadcastTargets() = %v, want [1 2]", got)
	}
}

func TestLogoutFreesUsername(t *testing.T) {
	r := NewRegistry()
	r.TryLogin("alice", 1)
	r.Logout("alice", 1)

	if r.IsLoggedIn("alice") {
		t.Error("alice still logged in after logout")
	}
	if len(r.BroadcastTargets()) != 0 {
		t.Errorf("BroadcastTargets() = %v after logout", r.BroadcastTargets())
	}
	if !r.TryLogin("alice", 2) {
		t.Error("login from another connection failed after logout")
	}

	// Idempotent, and a stale connection cannot release someone else's login.
	r.Logout("alice", 1)
	r.Logout("alice", 1)
	if !r.IsLoggedIn("alice") {
		t.Error("logout from a non-owner released the login")
	}
}

func TestConcurrentLoginSameName(t *testing.T) {
	const contenders = 64

	for round := 0; round < 20; round++ {
		r := NewRegistry()
		var wins atomic.Int32
		var start, done sync.WaitGroup
		start.Add(1)

		for id := 0; id < contenders; id++ {
			done.Add(1)
			go func(id int) {
				defer done.Done()
				start.Wait()
				if r.TryLogin("shared", id) {
					wins.Add(1)
				}
			}(id)
		}
		start.Done()
		done.Wait()

		if wins.Load() != 1 {
			t.Fatalf("round %d: %d winners, want exactly 1", round, wins.Load())
		}
		if r.Count() != 1 {
			t.Fatalf("round %d: Count() = %d, want 1", round, r.Count())
		}
	}
}

func TestUsersSnapshot(t *testing.T) {
	r := NewRegistry()
	r.TryLogin("carol", 7)
	r.TryLogin("alice", 3)

	want := []Entry{{Username: "alice", ConnID: 3}, {Username: "carol", ConnID: 7}}
	if got := r.Users(); !reflect.DeepEqual(got, want) {
		t.Errorf("Users() = %v, want %v", got, want)
	}
}
