package root

import "time"

// Status is the structured diagnostic snapshot of one root, consumed by
// operational tooling. Producing it never fails; a root mid-cancellation
// yields a best-effort snapshot.
type Status struct {
	Path          string `json:"path"`
	FSType        string `json:"fstype"`
	CaseSensitive bool   `json:"case_sensitive"`

	Cancelled     bool   `json:"cancelled"`
	DoneInitial   bool   `json:"done_initial"`
	FailureReason string `json:"failure_reason,omitempty"`

	RecrawlCount  uint64    `json:"recrawl_count"`
	ShouldRecrawl bool      `json:"should_recrawl"`
	Warning       string    `json:"warning,omitempty"`
	CrawlStart    time.Time `json:"crawl_start,omitzero"`
	CrawlFinish   time.Time `json:"crawl_finish,omitzero"`

	StateTransitions uint32    `json:"state_transitions"`
	LastCommand      time.Time `json:"last_command"`
	LastActivity     time.Time `json:"last_activity"`

	EntryCount         int `json:"entry_count"`
	OutstandingQueries int `json:"outstanding_queries"`
	OutstandingCookies int `json:"outstanding_cookies"`
	Subscribers        int `json:"subscribers"`

	Triggers []map[string]any             `json:"triggers,omitempty"`
	States   map[string][]AssertionStatus `json:"states,omitempty"`
	Cursors  map[string]uint64            `json:"cursors,omitempty"`
}

// GetStatus returns the root's diagnostic snapshot. Each guarded structure
// is sampled under its own lock; the snapshot as a whole is not atomic,
// which is fine for diagnostics.
func (r *Root) GetStatus() Status {
	s := Status{
		Path:          r.Path,
		FSType:        r.FSType,
		CaseSensitive: r.CaseSensitive,

		Cancelled:     r.Cancelled(),
		DoneInitial:   r.DoneInitial(),
		FailureReason: r.Failure(),

		StateTransitions: r.StateTransCount(),
		LastCommand:      time.Unix(0, r.inner.lastCommand.Load()),
		LastActivity:     time.Unix(0, r.lastActivity.Load()),

		EntryCount:         r.vw.EntryCount(),
		OutstandingCookies: r.cookies.Outstanding(),
		Subscribers:        r.unilateral.Subscribers(),

		Triggers: r.TriggerList(),
		States:   r.assertedStates.DebugStates(),
	}

	r.recrawlInfo.mu.Lock()
	s.RecrawlCount = r.recrawlInfo.count
	s.ShouldRecrawl = r.recrawlInfo.shouldRecrawl
	s.Warning = r.recrawlInfo.warning
	s.CrawlStart = r.recrawlInfo.crawlStart
	s.CrawlFinish = r.recrawlInfo.crawlFinish
	r.recrawlInfo.mu.Unlock()

	r.queryMu.Lock()
	s.OutstandingQueries = len(r.queries)
	r.queryMu.Unlock()

	r.inner.cursorMu.Lock()
	if len(r.inner.cursors) > 0 {
		s.Cursors = make(map[string]uint64, len(r.inner.cursors))
		for name, tick := range r.inner.cursors {
			s.Cursors[name] = tick
		}
	}
	r.inner.cursorMu.Unlock()

	return s
}

// StatusForAllRoots snapshots every registered root.
func StatusForAllRoots() []Status {
	roots := All()
	out := make([]Status, 0, len(roots))
	for _, r := range roots {
		out = append(out, r.GetStatus())
	}
	return out
}
