// Package shutdown implements the Shutdown Sequencer of spec.md §4.3/§9:
// tearing down every loaded unit in strict reverse-of-start order, each
// with its own SIGTERM-then-SIGKILL escalation budget.
package shutdown

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/systemd-rs-go/manager/internal/runtimeinfo"
	"github.com/systemd-rs-go/manager/internal/unit"
)

// Stopper is the subset of internal/activation.Engine the sequencer needs;
// defined locally to avoid an import cycle back into activation.
type Stopper interface {
	Stop(ctx context.Context, id unit.ID, kind unit.StopKind) error
}

// Sequence stops every currently-loaded unit in an order consistent with
// the Before/After graph: a unit that came Before another is stopped
// after it (spec.md §9's "shutdown is the start order reversed"). Units
// with no ordering relation to one another stop concurrently.
func Sequence(ctx context.Context, log hclog.Logger, rt *runtimeinfo.RuntimeInfo, stopper Stopper, perUnitTimeout time.Duration) {
	units := rt.All()
	order := topoOrderForShutdown(units)

	for _, batch := range order {
		done := make(chan struct{}, len(batch))
		for _, id := range batch {
			go func(id unit.ID) {
				defer func() { done <- struct{}{} }()
				stopCtx, cancel := context.WithTimeout(ctx, perUnitTimeout)
				defer cancel()
				if err := stopper.Stop(stopCtx, id, unit.StopFinal); err != nil {
					log.Warn("unit failed to stop cleanly during shutdown", "unit", id, "err", err)
				}
			}(id)
		}
		for range batch {
			<-done
		}
	}
}

// topoOrderForShutdown groups units into waves: wave 0 has no Before
// edges to anything still pending, wave 1 depends only on wave 0, etc. —
// a Kahn's-algorithm layering of the reversed ordering graph so that
// independent units within a wave can stop in parallel.
func topoOrderForShutdown(units []*unit.Unit) [][]unit.ID {
	byID := map[unit.ID]*unit.Unit{}
	for _, u := range units {
		byID[u.ID] = u
	}

	var waves [][]unit.ID
	done := map[unit.ID]bool{}
	for len(done) < len(units) {
		var wave []unit.ID
		for _, u := range units {
			if done[u.ID] {
				continue
			}
			blocked := false
			for _, b := range u.Dependencies.Before {
				if _, ok := byID[b]; ok && !done[b] {
					blocked = true
					break
				}
			}
			if !blocked {
				wave = append(wave, u.ID)
			}
		}
		if len(wave) == 0 {
			// Residual cycle (shouldn't happen post-depgraph.BreakCycles);
			// flush everything left in one wave rather than spin forever.
			for _, u := range units {
				if !done[u.ID] {
					wave = append(wave, u.ID)
				}
			}
		}
		sort.Slice(wave, func(i, j int) bool { return wave[i].String() < wave[j].String() })
		for _, id := range wave {
			done[id] = true
		}
		waves = append(waves, wave)
	}
	return waves
}
