package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/systemd-rs-go/manager/internal/unit"
)

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

const sampleUnit = `[Unit]
Description=Example web service
After=network.target
Requires=network.target

[Service]
Type=notify
ExecStartPre=-/usr/bin/example-preflight
ExecStart=/usr/bin/example-server --port 8080
Restart=on-failure
RestartSec=2s
TimeoutStartSec=30s
Environment=FOO=bar
Environment=BAZ=qux
LimitNOFILE=1024:4096

[Install]
WantedBy=multi-user.target
`

func TestTokenizeAndBuild(t *testing.T) {
	rf, err := Tokenize(testLogger(), "example.service", strings.NewReader(sampleUnit))
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}

	id := unit.ID{Kind: unit.KindService, Name: "example"}
	u, err := Build(id, rf)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if u.Config.Description != "Example web service" {
		t.Errorf("Description = %q", u.Config.Description)
	}
	if len(u.Dependencies.After) != 1 || u.Dependencies.After[0].Name != "network" {
		t.Errorf("After = %v", u.Dependencies.After)
	}
	svc := u.Service()
	if svc.Type != unit.ServiceNotify {
		t.Errorf("Type = %q", svc.Type)
	}
	if svc.ExecStart.Path != "/usr/bin/example-server" || len(svc.ExecStart.Args) != 2 {
		t.Errorf("ExecStart = %+v", svc.ExecStart)
	}
	if len(svc.ExecStartPre) != 1 || !svc.ExecStartPre[0].IgnoreError {
		t.Errorf("ExecStartPre = %+v", svc.ExecStartPre)
	}
	if svc.RestartSec != 2*time.Second {
		t.Errorf("RestartSec = %v", svc.RestartSec)
	}
	if got := svc.Isolation.Environment; len(got) != 2 || got[0] != "FOO=bar" || got[1] != "BAZ=qux" {
		t.Errorf("Environment = %v", got)
	}
	rl, ok := svc.Isolation.RLimits["NOFILE"]
	if !ok || rl.Soft != 1024 || rl.Hard != 4096 {
		t.Errorf("RLimits[NOFILE] = %+v, ok=%v", rl, ok)
	}
	if len(u.Dependencies.WantedBy) != 1 || u.Dependencies.WantedBy[0].Name != "multi-user" {
		t.Errorf("WantedBy = %v", u.Dependencies.WantedBy)
	}
}

func TestEnvironmentResetByEmptyValue(t *testing.T) {
	const src = `[Service]
Environment=FOO=1
Environment=BAR=2
Environment=
Environment=BAZ=3
`
	rf, err := Tokenize(testLogger(), "reset.service", strings.NewReader(src))
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	u, err := Build(unit.ID{Kind: unit.KindService, Name: "reset"}, rf)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	env := u.Service().Isolation.Environment
	if len(env) != 1 || env[0] != "BAZ=3" {
		t.Errorf("Environment after reset = %v, want [BAZ=3]", env)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	rf, err := Tokenize(testLogger(), "example.service", strings.NewReader(sampleUnit))
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	text := Serialize(rf)

	rf2, err := Tokenize(testLogger(), "example.service (roundtrip)", strings.NewReader(text))
	if err != nil {
		t.Fatalf("Tokenize (roundtrip): %v", err)
	}
	if len(rf.Entries) != len(rf2.Entries) {
		t.Fatalf("entry count changed across round-trip: %d vs %d", len(rf.Entries), len(rf2.Entries))
	}
	for i := range rf.Entries {
		if rf.Entries[i] != rf2.Entries[i] {
			t.Errorf("entry %d changed: %+v vs %+v", i, rf.Entries[i], rf2.Entries[i])
		}
	}
}

func TestUnrecognizedSectionDropped(t *testing.T) {
	const src = `[Service]
ExecStart=/bin/true

[X-Vendor]
Foo=bar

[Weird]
Baz=qux
`
	rf, err := Tokenize(testLogger(), "weird.service", strings.NewReader(src))
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if len(rf.Section("X-Vendor")) != 0 {
		t.Errorf("X-Vendor section should be dropped silently")
	}
	if len(rf.Section("Weird")) != 0 {
		t.Errorf("Weird section should be dropped with a warning")
	}
	if len(rf.Section("Service")) != 1 {
		t.Errorf("Service section should survive")
	}
}

func TestTemplateInstantiation(t *testing.T) {
	const tmpl = `[Unit]
Description=Getty on %I

[Service]
ExecStart=/sbin/agetty %i 115200
`
	rf, err := Tokenize(testLogger(), "getty@.service", strings.NewReader(tmpl))
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	inst := Instantiate(rf, "tty1")
	u, err := Build(unit.ID{Kind: unit.KindService, Name: "getty@tty1"}, inst)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if u.Config.Description != "Getty on tty1" {
		t.Errorf("Description = %q", u.Config.Description)
	}
	if u.Service().ExecStart.Args[0] != "tty1" {
		t.Errorf("ExecStart.Args = %v", u.Service().ExecStart.Args)
	}
}

func TestSocketEndpointClassification(t *testing.T) {
	const src = `[Socket]
ListenStream=/run/example.sock
ListenStream=0.0.0.0:8080
ListenDatagram=127.0.0.1:514
SocketMode=0600
`
	rf, err := Tokenize(testLogger(), "example.socket", strings.NewReader(src))
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	u, err := Build(unit.ID{Kind: unit.KindSocket, Name: "example"}, rf)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sock := u.Socket()
	if len(sock.Listen) != 3 {
		t.Fatalf("Listen = %+v", sock.Listen)
	}
	if sock.Listen[0].Kind != unit.EndpointStream {
		t.Errorf("Listen[0].Kind = %v, want stream", sock.Listen[0].Kind)
	}
	if sock.Listen[1].Kind != unit.EndpointTCP {
		t.Errorf("Listen[1].Kind = %v, want tcp", sock.Listen[1].Kind)
	}
	if sock.Listen[2].Kind != unit.EndpointUDP {
		t.Errorf("Listen[2].Kind = %v, want udp", sock.Listen[2].Kind)
	}
	if sock.SocketMode != 0o600 {
		t.Errorf("SocketMode = %o", sock.SocketMode)
	}
}

func TestOctalModeRejectsOutOfRange(t *testing.T) {
	if _, err := parseOctal("17777"); err == nil {
		t.Error("expected error for mode exceeding 07777")
	}
	if _, err := parseOctal("0644"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseDurationSuffixes(t *testing.T) {
	cases := map[string]time.Duration{
		"5":     5 * time.Second,
		"5s":    5 * time.Second,
		"5sec":  5 * time.Second,
		"500ms": 500 * time.Millisecond,
		"2min":  2 * time.Minute,
		"1h":    time.Hour,
	}
	for in, want := range cases {
		got, err := parseDuration(in)
		if err != nil {
			t.Errorf("parseDuration(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("parseDuration(%q) = %v, want %v", in, got, want)
		}
	}
}
