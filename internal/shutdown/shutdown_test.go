package shutdown

import (
	"testing"

	"github.com/systemd-rs-go/manager/internal/unit"
)

func TestTopoOrderForShutdownRespectsBefore(t *testing.T) {
	a := unit.New(unit.ID{Kind: unit.KindService, Name: "a"})
	b := unit.New(unit.ID{Kind: unit.KindService, Name: "b"})
	a.Dependencies.Before = []unit.ID{b.ID} // a starts before b -> a stops after b

	waves := topoOrderForShutdown([]*unit.Unit{a, b})

	waveOf := map[unit.ID]int{}
	for i, w := range waves {
		for _, id := range w {
			waveOf[id] = i
		}
	}
	if waveOf[b.ID] >= waveOf[a.ID] {
		t.Errorf("b should stop in a strictly earlier wave than a (b=%d, a=%d)", waveOf[b.ID], waveOf[a.ID])
	}
}

func TestTopoOrderForShutdownHandlesResidualCycle(t *testing.T) {
	a := unit.New(unit.ID{Kind: unit.KindService, Name: "a"})
	b := unit.New(unit.ID{Kind: unit.KindService, Name: "b"})
	a.Dependencies.Before = []unit.ID{b.ID}
	b.Dependencies.Before = []unit.ID{a.ID}

	waves := topoOrderForShutdown([]*unit.Unit{a, b})
	total := 0
	for _, w := range waves {
		total += len(w)
	}
	if total != 2 {
		t.Fatalf("expected both units present exactly once across waves, got %d", total)
	}
}
