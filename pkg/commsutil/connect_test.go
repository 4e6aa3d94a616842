package commsutil

import (
	"testing"
)

const connectTestPrefix = "commsutil:connect_test"

func TestConnect_InvalidURL(t *testing.T) {
	nc, err := Connect("invalid://not-a-nats-server", "test-client")
	if err == nil {
		if nc != nil {
			nc.Close()
		}
		t.Fatalf("%s - expected error for invalid URL", connectTestPrefix)
	}
	if nc != nil {
		t.Errorf("%s - expected nil connection on error", connectTestPrefix)
	}
}

func TestSplitServers(t *testing.T) {
	got := splitServers(" nats://a:4222, ,nats://b:4222 ")
	if len(got) != 2 || got[0] != "nats://a:4222" || got[1] != "nats://b:4222" {
		t.Errorf("%s - splitServers = %v", connectTestPrefix, got)
	}
}
