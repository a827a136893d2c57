package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pyrometheous/Kazeta-Game-Cart-Setup-Tool/pkg/cart"
)

func TestOverlayOnlyChangedFlags(t *testing.T) {
	cmd := newBuildCmd()
	if err := cmd.Flags().Parse([]string{"--device", "/dev/sdc", "--eject"}); err != nil {
		t.Fatal(err)
	}
	base := cart.Request{Device: "/dev/sdb", Name: "Celeste", Runtime: cart.Windows, VerifyRuntime: true}
	flags := cart.Request{Device: "/dev/sdc", Eject: true, Name: "ignored"}

	got := overlay(base, flags, cmd)
	want := cart.Request{Device: "/dev/sdc", Name: "Celeste", Runtime: cart.Windows, VerifyRuntime: true, Eject: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("overlay (-want +got):\n%s", diff)
	}
}

func TestStateLabel(t *testing.T) {
	for in, want := range map[cart.State]string{
		cart.StateFetchingRuntime: "Fetching runtime",
		cart.StateDone:            "Done",
		"":                        "",
	} {
		if got := stateLabel(in); got != want {
			t.Fatalf("stateLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	for in, want := range map[int64]string{
		512:            "512 B",
		2048:           "2.0 KiB",
		31_914_983_424: "29.7 GiB",
	} {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
