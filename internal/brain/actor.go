package brain

import "context"

// Actor serializes all mutations to a State through a single goroutine's
// mailbox, giving the "total order under the state mutex" property from
// SPEC_FULL.md §5 without an explicit lock on State itself. This is the
// idiomatic Go expression of the spec's "state actor (mailbox or single
// async mutex)" requirement.
type Actor struct {
	state *State
	ops   chan func(*State)
	done  chan struct{}
}

// NewActor constructs an Actor owning state; it does not start a goroutine.
// Callers must call Run in a goroutine before issuing any Do/Snapshot calls.
func NewActor(state *State) *Actor {
	return &Actor{
		state: state,
		ops:   make(chan func(*State), 256),
		done:  make(chan struct{}),
	}
}

// Run executes the actor's mailbox loop until ctx is cancelled or Close is
// called. It must run in its own goroutine.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case op, ok := <-a.ops:
			if !ok {
				return
			}
			op(a.state)
		}
	}
}

// Do submits a mutation to run on the actor's goroutine and blocks until it
// has been applied. fn must not retain the *State pointer beyond its call.
func (a *Actor) Do(ctx context.Context, fn func(*State)) error {
	result := make(chan struct{})
	op := func(s *State) {
		fn(s)
		close(result)
	}
	select {
	case a.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a deep-enough copy of the state for read-only use by
// callers outside the actor (UI bridge status, persistence saves). Bounded
// collections are copied by reference to their slice/map headers only after
// cloning the containing map, which is sufficient since mutation always
// replaces map entries rather than mutating slice contents in place once
// published.
func (a *Actor) Snapshot(ctx context.Context) (*State, error) {
	var out *State
	err := a.Do(ctx, func(s *State) {
		out = cloneState(s)
	})
	return out, err
}

// Close closes the mailbox, which makes Run return once it has drained the
// operations already queued, and blocks until Run has exited. A Do call made
// after Close panics, since it sends on the closed mailbox.
func (a *Actor) Close() {
	close(a.ops)
	<-a.done
}

func cloneState(s *State) *State {
	c := *s
	c.Positions = cloneMap(s.Positions, func(p *Position) *Position { cp := *p; return &cp })
	c.Blacklist = cloneScalarMap(s.Blacklist)
	c.BlacklistReason = cloneScalarMap(s.BlacklistReason)
	c.ConsecutiveLosses = cloneScalarMap(s.ConsecutiveLosses)
	c.LastExitTime = cloneScalarMap(s.LastExitTime)
	c.SymbolPerformance = cloneMap(s.SymbolPerformance, func(p *SymbolPerformance) *SymbolPerformance { cp := *p; return &cp })
	c.EntryWatches = cloneMap(s.EntryWatches, func(w *EntryWatch) *EntryWatch { cp := *w; return &cp })
	c.FundingRateSnapshot = cloneScalarMap(s.FundingRateSnapshot)
	c.EntryConfidenceHistory = make(map[string][]float64, len(s.EntryConfidenceHistory))
	for k, v := range s.EntryConfidenceHistory {
		c.EntryConfidenceHistory[k] = append([]float64(nil), v...)
	}
	c.StreakHistory = append([]StreakEntry(nil), s.StreakHistory...)
	c.knownExitOrderIDs = make(map[string]struct{}, len(s.knownExitOrderIDs))
	for k := range s.knownExitOrderIDs {
		c.knownExitOrderIDs[k] = struct{}{}
	}
	c.exitIDOrder = append([]string(nil), s.exitIDOrder...)
	return &c
}

func cloneMap[V any](in map[string]*V, cloneVal func(*V) *V) map[string]*V {
	out := make(map[string]*V, len(in))
	for k, v := range in {
		out[k] = cloneVal(v)
	}
	return out
}

func cloneScalarMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
