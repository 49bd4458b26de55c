package redis

import "testing"

func TestClassifyPingReply(t *testing.T) {
	tests := []struct {
		reply string
		want  PingReplyKind
	}{
		{"PONG", PingReplyValid},
		{"LOADING", PingReplyValid},
		{"MASTERDOWN", PingReplyValid},
		{"BUSY", PingReplyBusy},
		{"ERR unknown command", PingReplyOther},
		{"", PingReplyOther},
	}
	for _, tt := range tests {
		if got := ClassifyPingReply(tt.reply); got != tt.want {
			t.Errorf("ClassifyPingReply(%q) = %v, want %v", tt.reply, got, tt.want)
		}
	}
}

func TestNewClientDoesNoNetworkIO(t *testing.T) {
	// Building a client must not block or error even if nothing is
	// listening on addr: connection attempts happen lazily, driven by the
	// link manager's explicit probe, not construction.
	c := NewClient("192.0.2.1:1", "", false)
	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if err := c.Close(); err != nil {
		t.Errorf("unexpected error closing unused client: %v", err)
	}
}

func TestHelloChannelName(t *testing.T) {
	if HelloChannel != "__sentinel__:hello" {
		t.Errorf("unexpected hello channel name: %q", HelloChannel)
	}
}
