package supervisor

import (
	"strings"
	"testing"

	"github.com/systemd-rs-go/manager/internal/unit"
)

func TestBuildEnvOverrides(t *testing.T) {
	cfg := Config{
		InvocationID:     "abc123",
		NotifySocketPath: "@/run/notify",
		ListenFDCount:    2,
		ListenFDNames:    []string{"http", "https"},
		Isolation: unit.ExecIsolation{
			Environment: []string{"FOO=bar", "PATH=/custom/bin"},
		},
	}
	env := envMap(buildEnv(cfg))

	if env["INVOCATION_ID"] != "abc123" {
		t.Errorf("INVOCATION_ID = %q", env["INVOCATION_ID"])
	}
	if env["NOTIFY_SOCKET"] != "@/run/notify" {
		t.Errorf("NOTIFY_SOCKET = %q", env["NOTIFY_SOCKET"])
	}
	if env["LISTEN_FDS"] != "2" {
		t.Errorf("LISTEN_FDS = %q", env["LISTEN_FDS"])
	}
	if env["LISTEN_FDNAMES"] != "http:https" {
		t.Errorf("LISTEN_FDNAMES = %q", env["LISTEN_FDNAMES"])
	}
	if env["FOO"] != "bar" {
		t.Errorf("FOO = %q", env["FOO"])
	}
	if env["PATH"] != "/custom/bin" {
		t.Errorf("explicit Environment= should override the default PATH, got %q", env["PATH"])
	}
}

func TestRlimitResourceUnknownIgnored(t *testing.T) {
	if _, ok := rlimitResource("NOTAREALLIMIT"); ok {
		t.Error("expected unknown rlimit name to be rejected")
	}
	if _, ok := rlimitResource("NOFILE"); !ok {
		t.Error("expected NOFILE to resolve")
	}
}

func envMap(env []string) map[string]string {
	out := map[string]string{}
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
