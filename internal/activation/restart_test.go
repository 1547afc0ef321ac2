package activation

import (
	"testing"

	"github.com/systemd-rs-go/manager/internal/pidtable"
	"github.com/systemd-rs-go/manager/internal/unit"
)

func TestShouldRestart(t *testing.T) {
	cases := []struct {
		policy  unit.RestartPolicy
		success bool
		signal  int
		want    bool
	}{
		{unit.RestartNo, false, 0, false},
		{unit.RestartAlways, true, 0, true},
		{unit.RestartAlways, false, 0, true},
		{unit.RestartOnSuccess, true, 0, true},
		{unit.RestartOnSuccess, false, 0, false},
		{unit.RestartOnFailure, false, 0, true},
		{unit.RestartOnFailure, true, 0, false},
		{unit.RestartOnAbnormal, false, 9, true},
		{unit.RestartOnAbnormal, false, 0, false},
	}
	for _, c := range cases {
		svc := &unit.ServiceSpecific{RestartPolicy: c.policy}
		term := pidtable.Termination{Exited: c.signal == 0, Signal: c.signal}
		got := shouldRestart(svc, term, c.success)
		if got != c.want {
			t.Errorf("shouldRestart(%v, success=%v, signal=%d) = %v, want %v", c.policy, c.success, c.signal, got, c.want)
		}
	}
}

func TestIsSuccessCode(t *testing.T) {
	svc := &unit.ServiceSpecific{SuccessExitCodes: []int{2, 3}}
	if !isSuccessCode(svc, 0) {
		t.Error("code 0 should always be success")
	}
	if !isSuccessCode(svc, 2) {
		t.Error("code 2 is in SuccessExitStatus")
	}
	if isSuccessCode(svc, 1) {
		t.Error("code 1 should not be success")
	}
}
