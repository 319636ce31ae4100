package id

import (
	"strings"
	"testing"
)

func TestIdentitiesAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		for _, v := range []string{NewJobID(), NewDispatchID(), NewWorkerID()} {
			if seen[v] {
				t.Fatalf("duplicate identity %s", v)
			}
			seen[v] = true
		}
	}
}

func TestWorkerIDPrefix(t *testing.T) {
	if !strings.HasPrefix(NewWorkerID(), "worker-") {
		t.Fatalf("worker id prefix missing")
	}
}
