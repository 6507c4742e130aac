package timing

// Window is the span of day offsets during which one phase is active.
// A bounded window covers [Start, Start+Days); an unbounded one never ends.
type Window struct {
	Index   int
	Start   int
	Days    int
	Bounded bool
	Phase   *TimingPhase
}

// Contains reports whether the day offset falls inside the window.
func (w Window) Contains(offset int) bool {
	if offset < w.Start {
		return false
	}
	return !w.Bounded || offset < w.Start+w.Days
}

// End returns the first day offset after a bounded window.
func (w Window) End() (int, bool) {
	if !w.Bounded {
		return 0, false
	}
	return w.Start + w.Days, true
}

// Regimen is a validated phase sequence laid out on the day-offset timeline.
type Regimen struct {
	windows []Window
}

// NewRegimen lays out seq and rejects sequences whose open-ended phase is not last.
func NewRegimen(seq []TimingPhase) (Regimen, error) {
	for i := range seq {
		if seq[i].IsOpenEnded() && i < len(seq)-1 {
			return Regimen{}, ErrOpenEndedNotLast
		}
	}
	return Regimen{windows: Windows(seq)}, nil
}

// Windows returns the reachable windows of seq. Windows start at offset 0 and are
// contiguous. Phases after the first open-ended phase are unreachable and omitted;
// negative durations count as zero.
func Windows(seq []TimingPhase) []Window {
	out := make([]Window, 0, len(seq))
	start := 0
	for i := range seq {
		p := &seq[i]
		if p.IsOpenEnded() {
			out = append(out, Window{Index: i, Start: start, Phase: p})
			break
		}
		days := DaysIn(*p.Duration, p.DurationUnit)
		if days < 0 {
			days = 0
		}
		out = append(out, Window{Index: i, Start: start, Days: days, Bounded: true, Phase: p})
		start += days
	}
	return out
}

// Windows returns the regimen's windows in order.
func (r Regimen) Windows() []Window {
	return r.windows
}

// Find returns the window active at offset, if any.
func (r Regimen) Find(offset int) (Window, bool) {
	return FindWindow(r.windows, offset)
}

// FindWindow returns the first window containing offset.
func FindWindow(windows []Window, offset int) (Window, bool) {
	if offset < 0 {
		return Window{}, false
	}
	for _, w := range windows {
		if w.Contains(offset) {
			return w, true
		}
	}
	return Window{}, false
}

// TotalDays returns the bounded length of the regimen, or false when it is open-ended.
func (r Regimen) TotalDays() (int, bool) {
	if len(r.windows) == 0 {
		return 0, true
	}
	return r.windows[len(r.windows)-1].End()
}
