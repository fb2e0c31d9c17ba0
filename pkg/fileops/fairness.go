package fileops

import "math"

// Allocate splits available slots between foreground and background work in
// proportion to the queue sizes. The foreground share is clamped to
// [1-maxAllocation, maxAllocation] on a 0..1 scale. With two or more slots
// every non-empty class gets at least one; a single slot goes to the class
// picked by alternate so neither starves across sweeps. Slots one class
// cannot use flow to the other.
func Allocate(available, foreground, background int, maxAllocation float64, alternate bool) (fg, bg int) {
	if available <= 0 || (foreground <= 0 && background <= 0) {
		return 0, 0
	}
	if background <= 0 {
		return min(foreground, available), 0
	}
	if foreground <= 0 {
		return 0, min(background, available)
	}
	if available == 1 {
		if alternate {
			return 0, 1
		}
		return 1, 0
	}

	hi := math.Max(maxAllocation, 1-maxAllocation)
	lo := 1 - hi
	share := float64(foreground) / float64(foreground+background)
	share = math.Min(math.Max(share, lo), hi)

	fg = int(math.Round(float64(available) * share))
	fg = max(1, min(fg, available-1))
	bg = available - fg

	fg = min(fg, foreground)
	bg = min(bg, background)

	left := available - fg - bg
	if left > 0 {
		extra := min(left, foreground-fg)
		fg += extra
		left -= extra
	}
	if left > 0 {
		bg += min(left, background-bg)
	}
	return fg, bg
}
