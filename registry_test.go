package guv

import "testing"

func TestListenerRegistryAddRemove(t *testing.T) {
	r := newListenerRegistry()
	l := &Listener{FD: 5, Dir: Read}

	firstForFD, err := r.add(l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !firstForFD {
		t.Error("expected firstForFD true for a fresh fd")
	}

	removed, fdEmpty := r.remove(l)
	if !removed {
		t.Error("expected remove to report removed")
	}
	if !fdEmpty {
		t.Error("expected fdEmpty after removing the only listener")
	}
}

func TestListenerRegistryCombinesDirections(t *testing.T) {
	r := newListenerRegistry()
	readL := &Listener{FD: 5, Dir: Read}
	writeL := &Listener{FD: 5, Dir: Write}

	firstForFD, err := r.add(readL)
	if err != nil || !firstForFD {
		t.Fatalf("unexpected add result: first=%v err=%v", firstForFD, err)
	}

	firstForFD, err = r.add(writeL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if firstForFD {
		t.Error("expected firstForFD false: fd already has a read listener")
	}

	read, write := r.eventMask(5)
	if !read || !write {
		t.Errorf("expected both directions set, got read=%v write=%v", read, write)
	}

	_, fdEmpty := r.remove(readL)
	if fdEmpty {
		t.Error("fd should not be empty: the write listener is still registered")
	}
	_, fdEmpty = r.remove(writeL)
	if !fdEmpty {
		t.Error("fd should be empty once both listeners are removed")
	}
}

func TestListenerRegistryDuplicateRejected(t *testing.T) {
	r := newListenerRegistry()
	l1 := &Listener{FD: 7, Dir: Read}
	l2 := &Listener{FD: 7, Dir: Read}

	if _, err := r.add(l1); err != nil {
		t.Fatalf("unexpected error on first add: %v", err)
	}
	_, err := r.add(l2)
	if err == nil {
		t.Fatal("expected a duplicate listener error")
	}
	var dup *DuplicateListenerError
	if de, ok := err.(*DuplicateListenerError); ok {
		dup = de
	} else {
		t.Fatalf("expected *DuplicateListenerError, got %T", err)
	}
	if dup.FD != 7 || dup.Dir != Read {
		t.Errorf("unexpected duplicate error fields: %+v", dup)
	}
}

func TestListenerRegistryPopDetaches(t *testing.T) {
	r := newListenerRegistry()
	l := &Listener{FD: 3, Dir: Write}
	if _, err := r.add(l); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	popped, fdEmpty := r.pop(3, Write)
	if popped != l {
		t.Error("expected pop to return the registered listener")
	}
	if !fdEmpty {
		t.Error("expected fdEmpty after popping the only listener")
	}

	popped, _ = r.pop(3, Write)
	if popped != nil {
		t.Error("expected a second pop for the same (fd, dir) to return nil")
	}
}

func TestListenerRegistryRejectAll(t *testing.T) {
	r := newListenerRegistry()
	var gotErr error
	l := &Listener{
		FD:        9,
		Dir:       Read,
		Throwback: func(err error) { gotErr = err },
	}
	if _, err := r.add(l); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sentinel := ErrHubTerminated
	r.rejectAll(sentinel)

	if gotErr != sentinel {
		t.Errorf("expected throwback to receive %v, got %v", sentinel, gotErr)
	}

	_, fdEmpty := r.pop(9, Read)
	if !fdEmpty {
		t.Error("expected the registry to be empty after rejectAll")
	}
}
