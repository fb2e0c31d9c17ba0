package fileops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocate(t *testing.T) {
	tests := []struct {
		name      string
		available int
		fg, bg    int
		max       float64
		alternate bool
		wantFg    int
		wantBg    int
	}{
		{"nothing available", 0, 5, 5, 0.8, false, 0, 0},
		{"nothing queued", 10, 0, 0, 0.8, false, 0, 0},
		{"foreground only", 10, 3, 0, 0.8, false, 3, 0},
		{"background only", 10, 0, 30, 0.8, false, 0, 10},
		{"even split", 4, 10, 10, 0.8, false, 2, 2},
		{"proportional", 10, 100, 50, 0.8, false, 7, 3},
		{"foreground capped", 10, 100, 10, 0.8, false, 8, 2},
		{"background capped", 10, 1, 100, 0.8, false, 1, 9},
		{"share clamped low", 10, 5, 1000, 0.8, false, 2, 8},
		{"floor of one", 2, 1000, 1, 0.8, false, 1, 1},
		{"leftover flows to foreground", 10, 20, 1, 0.5, false, 9, 1},
		{"leftover flows to background", 10, 1, 20, 0.5, false, 1, 9},
		{"single slot foreground turn", 1, 5, 5, 0.8, false, 1, 0},
		{"single slot background turn", 1, 5, 5, 0.8, true, 0, 1},
		{"inverted bound", 10, 100, 10, 0.2, false, 8, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fg, bg := Allocate(tt.available, tt.fg, tt.bg, tt.max, tt.alternate)
			assert.Equal(t, tt.wantFg, fg, "foreground")
			assert.Equal(t, tt.wantBg, bg, "background")
			assert.LessOrEqual(t, fg+bg, tt.available)
		})
	}
}

func TestAllocate_NoStarvation(t *testing.T) {
	alternate := false
	var fgTotal, bgTotal int
	for i := 0; i < 10; i++ {
		fg, bg := Allocate(1, 100, 100, 0.8, alternate)
		fgTotal += fg
		bgTotal += bg
		alternate = !alternate
	}
	assert.Equal(t, 5, fgTotal)
	assert.Equal(t, 5, bgTotal)
}
