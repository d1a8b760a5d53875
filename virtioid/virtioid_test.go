package virtioid_test

import (
	"testing"

	"github.com/bobuhiro11/splitvq/virtioid"
)

func TestNameKnown(t *testing.T) {
	t.Parallel()

	cases := map[uint32]string{
		virtioid.Network:    "network",
		virtioid.Block:      "block",
		virtioid.Console:    "console",
		virtioid.Entropy:    "entropy",
		virtioid.Balloon:    "balloon",
		virtioid.RPMsg:      "rpmsg",
		virtioid.RPMsgSerial: "rpmsg-serial",
		virtioid.GPU:        "gpu",
		virtioid.Input:      "input",
		virtioid.VSock:      "vsock",
		virtioid.FileSystem: "filesystem",
		virtioid.GPIO:       "gpio",
		virtioid.RDMA:       "rdma",
	}

	for id, want := range cases {
		if got := virtioid.Name(id); got != want {
			t.Errorf("Name(%d) = %q, want %q", id, got, want)
		}
	}
}

func TestNameUnknown(t *testing.T) {
	t.Parallel()

	if got := virtioid.Name(9999); got != "unknown" {
		t.Fatalf("Name(9999) = %q, want \"unknown\"", got)
	}
}
