package rendition

import "testing"

func TestKeyStableAcrossRuns(t *testing.T) {
	k1 := New("/a/b/photo.jpg", 1600, 60, 1000, 3_000_000)
	k2 := New("/a/b/photo.jpg", 1600, 60, 1000, 3_000_000)
	if k1 != k2 {
		t.Fatalf("keys differ across identical inputs: %s vs %s", k1, k2)
	}
	if len(k1) != 64 {
		t.Fatalf("len(key) = %d, want 64", len(k1))
	}
}

func TestKeyChangesWithAnyComponent(t *testing.T) {
	base := New("/a/b/photo.jpg", 1600, 60, 1000, 3_000_000)
	variants := []Key{
		New("/a/b/other.jpg", 1600, 60, 1000, 3_000_000),
		New("/a/b/photo.jpg", 800, 60, 1000, 3_000_000),
		New("/a/b/photo.jpg", 1600, 70, 1000, 3_000_000),
		New("/a/b/photo.jpg", 1600, 60, 2000, 3_000_000),
		New("/a/b/photo.jpg", 1600, 60, 1000, 3_000_001),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d unexpectedly equal to base key", i)
		}
	}
}

func TestFileNameSuffix(t *testing.T) {
	k := New("/a/b.jpg", OriginalSize, 85, 1, 2)
	if got, want := k.FileName(), k.String()+".webp"; got != want {
		t.Fatalf("FileName() = %q, want %q", got, want)
	}
}
