package key

import "testing"

func TestNormalize_ScalarsStable(t *testing.T) {
	t.Parallel()

	if Normalize("abc") != Normalize("abc") {
		t.Fatal("equal strings must normalize identically")
	}
	if Normalize(42) != Normalize(42) {
		t.Fatal("equal ints must normalize identically")
	}
	if Normalize("42") == Normalize(42) {
		t.Fatal("string and int with the same digits must not collide")
	}
}

func TestNormalize_MapOrderIndependent(t *testing.T) {
	t.Parallel()

	a := map[string]int{"x": 1, "y": 2, "z": 3}
	b := map[string]int{"z": 3, "x": 1, "y": 2}
	if Normalize(a) != Normalize(b) {
		t.Fatal("value-equal maps must normalize identically regardless of iteration order")
	}
}

func TestNormalize_SequenceOrderMatters(t *testing.T) {
	t.Parallel()

	a := []int{1, 2, 3}
	b := []int{3, 2, 1}
	if Normalize(a) == Normalize(b) {
		t.Fatal("differently-ordered sequences must not collide")
	}
}

func TestNormalize_StructTupleVsRecord(t *testing.T) {
	t.Parallel()

	type small struct{ A, B int }
	type big struct{ A, B, C, D, E int }

	if Normalize(small{A: 1, B: 2}) != Normalize(small{A: 1, B: 2}) {
		t.Fatal("equal small structs must normalize identically")
	}

	x := big{A: 1, B: 2, C: 3, D: 4, E: 5}
	y := big{A: 1, B: 2, C: 3, D: 4, E: 5}
	if Normalize(x) != Normalize(y) {
		t.Fatal("equal large structs must normalize identically")
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()

	k := map[string]any{
		"id":   7,
		"tags": []string{"a", "b"},
		"meta": map[string]int{"x": 1},
	}
	once := Normalize(k)
	twice := Normalize(once)
	if once != twice {
		t.Fatal("normalizing a Canonical must return it unchanged: Normalize(Normalize(k)) != Normalize(k)")
	}
}

func TestNormalize_NilAndPointer(t *testing.T) {
	t.Parallel()

	var p *int
	if Normalize(p) != Normalize(nil) {
		t.Fatal("nil pointer and untyped nil must normalize identically")
	}
	v := 5
	if Normalize(&v) != Normalize(v) {
		t.Fatal("a pointer must normalize the same as its dereferenced value")
	}
}
