package sequence

import (
	"errors"
	"testing"

	"github.com/kcaptcha/trainpipe/internal/domain"
)

func TestLevels(t *testing.T) {
	tests := []struct {
		name     string
		maxLevel int
		want     []int
		wantErr  bool
	}{
		{name: "single level", maxLevel: 1, want: []int{1}},
		{name: "six levels", maxLevel: 6, want: []int{1, 2, 3, 4, 5, 6}},
		{name: "zero", maxLevel: 0, wantErr: true},
		{name: "negative", maxLevel: -3, wantErr: true},
	}

	for _, tc := range tests {
		got, err := Levels(tc.maxLevel)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			if !errors.Is(err, domain.ErrInvalidConfiguration) {
				t.Fatalf("%s: expected invalid configuration, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected %d levels got %d", tc.name, len(tc.want), len(got))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: level %d: expected %d got %d", tc.name, i, tc.want[i], got[i])
			}
		}
	}
}

func TestLevels_NoGapsOrDuplicates(t *testing.T) {
	for maxLevel := 1; maxLevel <= 32; maxLevel++ {
		levels, err := Levels(maxLevel)
		if err != nil {
			t.Fatalf("max %d: unexpected error %v", maxLevel, err)
		}
		for i, level := range levels {
			if level != i+1 {
				t.Fatalf("max %d: position %d holds %d", maxLevel, i, level)
			}
		}
	}
}
