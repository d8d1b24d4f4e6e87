package ui

import (
	"testing"
)

func TestStatusIconRunningDistinctFromSuccess(t *testing.T) {
	runIcon, runColor := StatusIcon("running")
	okIcon, okColor := StatusIcon("success")
	if runIcon == okIcon || runColor == okColor {
		t.Error("running and success should look different")
	}
}

func TestStatusIconFailed(t *testing.T) {
	icon, color := StatusIcon("failed")
	if icon != IconFailed || color != ColorError {
		t.Errorf("unexpected failed icon %q", icon)
	}
}

func TestStatusIconUnknownIsIdle(t *testing.T) {
	icon, _ := StatusIcon("unknown-xyz")
	if icon != IconIdle {
		t.Errorf("expected idle icon, got %q", icon)
	}
}
