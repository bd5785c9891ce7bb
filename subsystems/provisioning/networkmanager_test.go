package provisioning

import (
	"context"
	"errors"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

func TestParseNMCLIWifiList(t *testing.T) {
	out := []byte("HomeNet:82\n" +
		"Cafe\\:Guest:47\r\n" +
		":60\n" +
		"Back\\\\slash:abc\n" +
		"\n" +
		"HomeNet:40\n")
	networks := parseNMCLIWifiList(out)
	test.That(t, networks, test.ShouldResemble, []WifiNetwork{
		{SSID: "HomeNet", Signal: 82},
		{SSID: "Cafe:Guest", Signal: 47},
		{SSID: "", Signal: 60},
		{SSID: "Back\\slash", Signal: 0},
		{SSID: "HomeNet", Signal: 40},
	})
}

func TestNMCLIScan(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string][]byte{
			"-t -f SSID,SIGNAL device wifi list ifname wlan0": []byte("HomeNet:82\nOffice:55\n"),
		},
		errs: map[string]error{
			"device wifi rescan ifname wlan0": errors.New("exit status 1"),
		},
	}
	n := NewNMCLI(logging.NewTestLogger(t), "wlan0", runner)
	networks, err := n.Scan(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, networks, test.ShouldHaveLength, 2)
	test.That(t, runner.calls, test.ShouldHaveLength, 2)
	test.That(t, runner.calls[0].name, test.ShouldEqual, "nmcli")
}

func TestNMCLIConnect(t *testing.T) {
	t.Run("with password", func(t *testing.T) {
		runner := &fakeRunner{}
		n := NewNMCLI(logging.NewTestLogger(t), "", runner)
		test.That(t, n.Connect(context.Background(), "HomeNet", "hunter22"), test.ShouldBeNil)
		test.That(t, runner.calls[0].args, test.ShouldResemble, []string{"device", "wifi", "connect", "HomeNet", "password", "hunter22"})
	})

	t.Run("open network with interface", func(t *testing.T) {
		runner := &fakeRunner{}
		n := NewNMCLI(logging.NewTestLogger(t), "wlan1", runner)
		test.That(t, n.Connect(context.Background(), "Cafe", ""), test.ShouldBeNil)
		test.That(t, runner.calls[0].args, test.ShouldResemble, []string{"device", "wifi", "connect", "Cafe", "ifname", "wlan1"})
	})

	t.Run("bad password", func(t *testing.T) {
		key := "device wifi connect HomeNet password wrong"
		runner := &fakeRunner{
			outputs: map[string][]byte{key: []byte("Error: Connection activation failed: Secrets were required, but not provided.\n")},
			errs:    map[string]error{key: errors.New("exit status 4")},
		}
		n := NewNMCLI(logging.NewTestLogger(t), "", runner)
		err := n.Connect(context.Background(), "HomeNet", "wrong")
		test.That(t, errors.Is(err, ErrBadPassword), test.ShouldBeTrue)
	})

	t.Run("other failure", func(t *testing.T) {
		key := "device wifi connect Nowhere"
		runner := &fakeRunner{
			outputs: map[string][]byte{key: []byte("Error: No network with SSID 'Nowhere' found.\n")},
			errs:    map[string]error{key: errors.New("exit status 10")},
		}
		n := NewNMCLI(logging.NewTestLogger(t), "", runner)
		err := n.Connect(context.Background(), "Nowhere", "")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, errors.Is(err, ErrBadPassword), test.ShouldBeFalse)
		test.That(t, err.Error(), test.ShouldContainSubstring, "No network with SSID")
	})
}

func TestNMCLIConnectivity(t *testing.T) {
	for _, tc := range []struct {
		out       string
		connected bool
		online    bool
	}{
		{out: "connected:full\n", connected: true, online: true},
		{out: "connected (site only):limited\n", connected: true},
		{out: "disconnected:none\n"},
		{out: "connecting:unknown\n"},
		{out: "asleep:none\n"},
	} {
		runner := &fakeRunner{outputs: map[string][]byte{"-t -f STATE,CONNECTIVITY general": []byte(tc.out)}}
		n := NewNMCLI(logging.NewTestLogger(t), "", runner)
		state, err := n.Connectivity(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, state.Connected(), test.ShouldEqual, tc.connected)
		test.That(t, state.Online(), test.ShouldEqual, tc.online)
	}
}

func TestNewNetworkManager(t *testing.T) {
	nm, err := NewNetworkManager(logging.NewTestLogger(t), "nmcli", "")
	test.That(t, err, test.ShouldBeNil)
	_, ok := nm.(*NMCLI)
	test.That(t, ok, test.ShouldBeTrue)

	_, err = NewNetworkManager(logging.NewTestLogger(t), "wpa_supplicant", "")
	test.That(t, err, test.ShouldNotBeNil)
}
