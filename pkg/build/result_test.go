package build

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
)

func sampleResults() []Result {
	return []Result{
		Empty(),
		{Kind: KindHeaderOnly, Includes: []string{"/a/include"}},
		{Kind: KindLibrary, Includes: []string{"/b/include"}, Archives: []string{"/b/bin/libb.a"}},
		{Kind: KindLibrary, Includes: []string{"/a/include"}, Archives: []string{"/c/bin/libc.a", "/b/bin/libb.a"}},
		{Kind: KindExecutable, Binary: "/d/bin/d"},
		{Kind: KindObject, Object: "/e/obj/e.o", PrecompiledHeaders: []string{"/e/pch.gch"}},
		Failure(map[string][]Diagnostic{"x.c": {{Line: 3, Severity: SeverityError, Message: "boom"}}}),
		Failure(map[string][]Diagnostic{"y.c": {{Line: 9, Severity: SeverityError, Message: "bang"}}}),
	}
}

func TestCombineIdentity(t *testing.T) {
	for _, r := range sampleResults() {
		t.Run(r.Kind.String(), func(t *testing.T) {
			if diff := cmp.Diff(r, Combine(Empty(), r), cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("left identity mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(r, Combine(r, Empty()), cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("right identity mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCombineAssociative(t *testing.T) {
	results := sampleResults()
	for _, a := range results {
		for _, b := range results {
			for _, c := range results {
				left := Combine(Combine(a, b), c)
				right := Combine(a, Combine(b, c))
				if diff := cmp.Diff(left, right, cmpopts.EquateEmpty()); diff != "" {
					t.Fatalf("(%s+%s)+%s != %s+(%s+%s):\n%s", a.Kind, b.Kind, c.Kind, a.Kind, b.Kind, c.Kind, diff)
				}
			}
		}
	}
}

func TestCombineFailureAbsorbs(t *testing.T) {
	fail := Failure(map[string][]Diagnostic{"x.c": {{Line: 1, Severity: SeverityError, Message: "m"}}})
	other := Failure(map[string][]Diagnostic{"y.c": {{Line: 2, Severity: SeverityError, Message: "n"}}})
	for _, r := range sampleResults()[:6] {
		assert.True(t, Combine(fail, r).IsFailure())
		assert.True(t, Combine(r, fail).IsFailure())
		assert.Equal(t, fail.Diagnostics, Combine(r, fail).Diagnostics)
	}
	assert.Equal(t, fail.Diagnostics, Combine(fail, other).Diagnostics)
}

func TestCombineMerges(t *testing.T) {
	lib := Result{Kind: KindLibrary, Includes: []string{"/b/include"}, Archives: []string{"/b/libb.a"}}
	hdr := Result{Kind: KindHeaderOnly, Includes: []string{"/a/include", "/b/include"}}
	exe := Result{Kind: KindExecutable, Binary: "/app"}

	got := Fold(lib, hdr, exe)
	want := Result{
		Kind:     KindExecutable,
		Includes: []string{"/b/include", "/a/include"},
		Archives: []string{"/b/libb.a"},
		Binary:   "/app",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Fold mismatch (-want +got):\n%s", diff)
	}
}

func TestCombineArchiveOrder(t *testing.T) {
	libd := Result{Kind: KindLibrary, Archives: []string{"/d/libd.a"}}
	libb := Combine(Result{Kind: KindLibrary, Archives: []string{"/b/libb.a"}}, libd)
	libc := Combine(Result{Kind: KindLibrary, Archives: []string{"/c/libc.a"}}, libd)

	tests := []struct {
		name    string
		results []Result
		want    []string
	}{
		{name: "shared dependency last", results: []Result{libb, libc}, want: []string{"/b/libb.a", "/c/libc.a", "/d/libd.a"}},
		{name: "direct dependency listed first", results: []Result{libd, libb}, want: []string{"/b/libb.a", "/d/libd.a"}},
		{name: "repeated", results: []Result{libb, libb}, want: []string{"/b/libb.a", "/d/libd.a"}},
		{name: "none", results: []Result{Empty(), {Kind: KindHeaderOnly}}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fold(tt.results...).Archives)
		})
	}
}

func TestResultArtifact(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{name: "binary", result: Result{Binary: "/app", Archives: []string{"/lib.a"}}, want: "/app"},
		{name: "archive", result: Result{Archives: []string{"/lib.a", "/dep.a"}, Includes: []string{"/inc"}}, want: "/lib.a"},
		{name: "includes", result: Result{Includes: []string{"/inc"}}, want: "/inc"},
		{name: "none", result: Empty(), want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Artifact())
		})
	}
}

func TestParseResultKind(t *testing.T) {
	for _, k := range []ResultKind{KindNone, KindHeaderOnly, KindObject, KindLibrary, KindExecutable, KindFailure} {
		parsed, ok := ParseResultKind(k.String())
		assert.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseResultKind("shared")
	assert.False(t, ok)
}
