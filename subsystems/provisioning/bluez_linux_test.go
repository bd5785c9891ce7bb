package provisioning

import (
	"testing"

	"go.viam.com/test"
)

func TestParseBluetoothctlVersion(t *testing.T) {
	version, ok := parseBluetoothctlVersion([]byte("Agent registered\nVersion 5.66\n"))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, version, test.ShouldEqual, "5.66")

	_, ok = parseBluetoothctlVersion([]byte("bluetoothctl: command not found"))
	test.That(t, ok, test.ShouldBeFalse)
}
