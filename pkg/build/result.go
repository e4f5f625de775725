package build

// ResultKind is the variant of a Result.
type ResultKind int

// Values of ResultKind, ordered by rank except KindFailure.
const (
	KindNone ResultKind = iota
	KindHeaderOnly
	KindObject
	KindLibrary
	KindExecutable
	KindFailure
)

var resultKindNames = map[ResultKind]string{
	KindNone:       "none",
	KindHeaderOnly: "header",
	KindObject:     "object",
	KindLibrary:    "library",
	KindExecutable: "executable",
	KindFailure:    "failure",
}

func (k ResultKind) String() string {
	if name, ok := resultKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseResultKind converts the string form back into a ResultKind.
func ParseResultKind(s string) (ResultKind, bool) {
	for k, name := range resultKindNames {
		if name == s {
			return k, true
		}
	}
	return KindNone, false
}

// Result is the outcome of building a compilation unit or a target.
type Result struct {
	Kind ResultKind
	// Includes are header search directories to propagate to dependents.
	Includes []string
	// Archives are static libraries to link into dependents.
	Archives []string
	// PrecompiledHeaders are precompiled header artifacts.
	PrecompiledHeaders []string
	// Binary is the produced executable.
	Binary string
	// Object is the produced object file for KindObject.
	Object string
	// Diagnostics is set for KindFailure, keyed by source file.
	Diagnostics map[string][]Diagnostic
}

// Empty returns the neutral element of Combine.
func Empty() Result {
	return Result{Kind: KindNone}
}

// Failure creates a failed Result carrying the aggregated diagnostics.
func Failure(diags map[string][]Diagnostic) Result {
	if diags == nil {
		diags = make(map[string][]Diagnostic)
	}
	return Result{Kind: KindFailure, Diagnostics: diags}
}

// IsFailure indicates the result is a failure.
func (r Result) IsFailure() bool {
	return r.Kind == KindFailure
}

// Artifact returns the most relevant produced path: the binary, the
// first archive, or the first include directory.
func (r Result) Artifact() string {
	switch {
	case r.Binary != "":
		return r.Binary
	case len(r.Archives) > 0:
		return r.Archives[0]
	case r.Object != "":
		return r.Object
	case len(r.Includes) > 0:
		return r.Includes[0]
	}
	return ""
}

// Combine merges two results. A failure absorbs anything it is combined
// with; if both are failures, a is kept. Otherwise list fields are
// concatenated without duplicates, the last non-empty Binary and Object
// win and the higher-ranked kind is kept.
//
// Includes keep their first occurrence. Archives keep their last one so
// an archive shared by two dependencies stays behind both of them, which
// is the order a single pass linker resolves symbols in.
func Combine(a, b Result) Result {
	if a.IsFailure() {
		return a
	}
	if b.IsFailure() {
		return b
	}
	out := Result{
		Kind:               a.Kind,
		Includes:           mergeUnique(a.Includes, b.Includes),
		Archives:           mergeUniqueLast(a.Archives, b.Archives),
		PrecompiledHeaders: mergeUnique(a.PrecompiledHeaders, b.PrecompiledHeaders),
		Binary:             a.Binary,
		Object:             a.Object,
	}
	if b.Kind > out.Kind {
		out.Kind = b.Kind
	}
	if b.Binary != "" {
		out.Binary = b.Binary
	}
	if b.Object != "" {
		out.Object = b.Object
	}
	return out
}

// Fold combines results from left to right starting from Empty.
func Fold(results ...Result) Result {
	out := Empty()
	for _, r := range results {
		out = Combine(out, r)
	}
	return out
}

func mergeUnique(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// mergeUniqueLast concatenates a and b, keeping only the last occurrence
// of each value.
func mergeUniqueLast(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	all := make([]string, 0, len(a)+len(b))
	all = append(append(all, a...), b...)
	seen := make(map[string]struct{}, len(all))
	out := make([]string, len(all))
	n := len(all)
	for i := len(all) - 1; i >= 0; i-- {
		if _, ok := seen[all[i]]; ok {
			continue
		}
		seen[all[i]] = struct{}{}
		n--
		out[n] = all[i]
	}
	return out[n:]
}
