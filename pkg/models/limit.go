package models

// Classify splits delta compute units into valid, over and limited given the
// consumed total before the update. Units fill the free tier first, then the
// overage tier, and whatever is left is limited. With BlockTransactions set
// nothing is ever counted as over.
//
// It also returns the thresholds the consumed total crossed, in ascending
// order. A threshold t is crossed when before < t <= after.
func (l Limit) Classify(consumed, delta int64) (AccessUsage, []EventType) {
	var u AccessUsage
	if delta <= 0 {
		return u, nil
	}

	rest := delta
	if room := l.FreeMax - consumed; room > 0 {
		u.ValidCompute = min(rest, room)
		rest -= u.ValidCompute
	}
	if rest > 0 && !l.BlockTransactions {
		if room := l.OverMax - (consumed + u.ValidCompute); room > 0 {
			u.OverCompute = min(rest, room)
			rest -= u.OverCompute
		}
	}
	u.LimitedCompute = rest

	after := consumed + u.Consumed()
	var events []EventType
	for _, th := range l.thresholds() {
		if consumed < th.value && th.value <= after {
			events = append(events, th.event)
		}
	}
	return u, events
}

type threshold struct {
	event EventType
	value int64
}

// thresholds lists the alert points of the limit. A warn level of zero or
// equal to its max is folded into the max.
func (l Limit) thresholds() []threshold {
	out := make([]threshold, 0, 4)
	if l.FreeWarn > 0 && l.FreeWarn < l.FreeMax {
		out = append(out, threshold{EventFreeWarn, l.FreeWarn})
	}
	out = append(out, threshold{EventFreeMax, l.FreeMax})
	if l.OverWarn > 0 && l.OverWarn < l.OverMax && l.OverWarn > l.FreeMax {
		out = append(out, threshold{EventOverWarn, l.OverWarn})
	}
	if l.OverMax > l.FreeMax {
		out = append(out, threshold{EventOverMax, l.OverMax})
	}
	return out
}

// Remaining is the free-tier compute left at the given consumed total.
func (l Limit) Remaining(consumed int64) int64 {
	return max(l.FreeMax-consumed, 0)
}

// Overage is the compute consumed above the free tier.
func (l Limit) Overage(consumed int64) int64 {
	return max(consumed-l.FreeMax, 0)
}

// Exhausted reports whether no further unit could be admitted.
func (l Limit) Exhausted(consumed int64) bool {
	if l.BlockTransactions {
		return consumed >= l.FreeMax
	}
	return consumed >= max(l.OverMax, l.FreeMax)
}
