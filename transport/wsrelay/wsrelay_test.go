package wsrelay

import (
	"testing"

	"meeple/addr"
)

// TestURL verifies the frame-endpoint URL shape relayd serves.
func TestURL(t *testing.T) {
	got := URL(addr.RelayEndpoint{Room: "BONES", Host: "relay.example.net", Port: 10997})
	if got != "ws://relay.example.net:10997/frames" {
		t.Errorf("URL = %q", got)
	}
}
