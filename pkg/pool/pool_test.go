package pool

import "testing"

func TestAcquireReleaseReusesSlot(t *testing.T) {
	p := New(Class1024, 4, 2, 0)
	obj, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(obj.Buf) != Class1024.Size() {
		t.Fatalf("buffer size = %d, want %d", len(obj.Buf), Class1024.Size())
	}
	if err := p.Release(obj); err != nil {
		t.Fatalf("Release: %v", err)
	}
	stats := p.Stats()
	if stats.ObjectsInUse != 0 || stats.Chunks != 1 {
		t.Fatalf("unexpected stats after release: %+v", stats)
	}
}

func TestPoolGrowsUpToMaxChunks(t *testing.T) {
	p := New(Class1024, 2, 2, 0)
	var leased []*Object
	for i := 0; i < 4; i++ {
		obj, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		leased = append(leased, obj)
	}
	if _, err := p.Acquire(); err == nil {
		t.Fatalf("expected heap exhaustion error at max chunks")
	}
	if stats := p.Stats(); stats.Chunks != 2 {
		t.Fatalf("chunks = %d, want 2", stats.Chunks)
	}
	for _, obj := range leased {
		if err := p.Release(obj); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
}

func TestDoubleFreeDetection(t *testing.T) {
	p := New(Class1024, 4, 0, FlagDetectDoubleFree)
	obj, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.Release(obj); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := p.Release(obj); err == nil {
		t.Fatalf("expected double free error")
	}
}

func TestGCCollectFreesIdleChunks(t *testing.T) {
	p := New(Class1024, 1, 0, 0)
	var leased []*Object
	for i := 0; i < 3; i++ {
		obj, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		leased = append(leased, obj)
	}
	if stats := p.Stats(); stats.Chunks != 3 {
		t.Fatalf("chunks = %d, want 3", stats.Chunks)
	}
	// Release every chunk but the first.
	for _, obj := range leased[1:] {
		if err := p.Release(obj); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	freed := p.GCCollect()
	if freed != 2 {
		t.Fatalf("GCCollect freed %d chunks, want 2", freed)
	}
	if stats := p.Stats(); stats.Chunks != 1 {
		t.Fatalf("chunks after gc = %d, want 1", stats.Chunks)
	}
}
