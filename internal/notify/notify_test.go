package notify

import (
	"testing"

	"github.com/systemd-rs-go/manager/internal/unit"
)

func testID() unit.ID {
	return unit.ID{Kind: unit.KindService, Name: "example"}
}

func TestParseReady(t *testing.T) {
	m := Parse([]byte("READY=1\nSTATUS=serving\nMAINPID=1234\n"))
	if !m.Ready {
		t.Error("Ready should be true")
	}
	if m.Status != "serving" {
		t.Errorf("Status = %q", m.Status)
	}
	if m.MainPID != 1234 {
		t.Errorf("MainPID = %d", m.MainPID)
	}
}

func TestParseWatchdogAndStopping(t *testing.T) {
	m := Parse([]byte("WATCHDOG=1\nSTOPPING=1\n"))
	if !m.Watchdog || !m.Stopping {
		t.Errorf("Watchdog/Stopping = %v/%v", m.Watchdog, m.Stopping)
	}
}

func TestParseUnknownKeysIgnored(t *testing.T) {
	m := Parse([]byte("READY=1\nX-VENDOR-KEY=whatever\n"))
	if !m.Ready {
		t.Error("Ready should still be parsed alongside an unknown key")
	}
}

func TestSocketPathIsAbstractAndPerInvocation(t *testing.T) {
	path := SocketPath(testID(), "inv-1")
	if path[0] != '@' {
		t.Errorf("SocketPath should be abstract-namespace, got %q", path)
	}
	if SocketPath(testID(), "inv-2") == path {
		t.Errorf("SocketPath should differ per invocation id, got %q for both", path)
	}
}
