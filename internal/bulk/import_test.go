package bulk

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewImporter_ClampsWorkers(t *testing.T) {
	for _, n := range []int{-4, 0} {
		im := NewImporter(nil, nil, nil, nil, n, zerolog.Nop())
		if im.workers != 1 {
			t.Errorf("NewImporter(workers=%d) = %d workers, want 1", n, im.workers)
		}
	}
	im := NewImporter(nil, nil, nil, nil, 8, zerolog.Nop())
	if im.workers != 8 {
		t.Errorf("expected 8 workers, got %d", im.workers)
	}
}

func TestFailuresLock(t *testing.T) {
	var mu failuresLock
	r := &ImportResult{}

	mu.stored(r)
	mu.stored(r)
	mu.add(r, LineError{Line: 3, Err: errors.New("parse line")})

	if r.Stored != 2 || r.Failed != 1 {
		t.Errorf("expected stored=2 failed=1, got stored=%d failed=%d", r.Stored, r.Failed)
	}
	if len(r.Failures) != 1 || r.Failures[0].Line != 3 {
		t.Errorf("unexpected failures %+v", r.Failures)
	}
}
