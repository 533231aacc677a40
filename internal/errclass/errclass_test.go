package errclass

import (
	"reflect"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "typescript error code",
			raw:  "error TS2304: cannot find name 'foo'",
			want: []string{PatternTypeScriptErrorCode, PatternCannotFindModule},
		},
		{
			name: "reference error",
			raw:  "ReferenceError: bar is not defined",
			want: []string{PatternReferenceError},
		},
		{
			name: "assertion failure",
			raw:  "AssertionError: expected 1 to equal 2",
			want: []string{PatternAssertionFailure},
		},
		{
			name: "no match",
			raw:  "build succeeded",
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.raw)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Classify(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestDerive(t *testing.T) {
	h := Derive([]string{PatternCannotFindModule, PatternTypeScriptErrorCode, PatternAssertionFailure})
	if !h.HasMissingImports || !h.HasTypeErrors || !h.HasTestAssertions {
		t.Errorf("Derive() = %+v, want all true", h)
	}

	empty := Derive(nil)
	if empty.HasMissingImports || empty.HasTypeErrors || empty.HasTestAssertions {
		t.Errorf("Derive(nil) = %+v, want all false", empty)
	}
}
