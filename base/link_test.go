package base

import (
	"testing"

	"github.com/unixpickle/rabit/simulator"
)

// TestLinkRecvCtrlDiscardsStaleAfterReconnect reproduces the
// hazard a blanket reconnect creates: a value sent before a
// reset can still be sitting unread on the wire once both
// ends come back up. RecvCtrl must never hand that value to
// the caller as if it belonged to the round that follows the
// reset.
func TestLinkRecvCtrlDiscardsStaleAfterReconnect(t *testing.T) {
	loop := simulator.NewEventLoop()
	network := simulator.RandomNetwork{}

	var got interface{}
	var gotOK bool
	SpawnCluster(loop, network, 2, 64, func(b *Base) {
		l := b.links[0]
		switch b.Rank {
		case 1:
			l.SendCtrl("stale-round")
			if _, ok := l.RecvCtrl(b.handle); ok {
				t.Errorf("rank 1: expected the link to report closed")
			}
			if err := b.ReConnectLinks("test"); err != nil {
				t.Errorf("rank 1: reconnect: %v", err)
			}
			l.SendCtrl("fresh-round")
		case 0:
			l.Close()
			if err := b.ReConnectLinks("test"); err != nil {
				t.Errorf("rank 0: reconnect: %v", err)
			}
			got, gotOK = l.RecvCtrl(b.handle)
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if !gotOK {
		t.Fatalf("rank 0: RecvCtrl failed")
	}
	if got != "fresh-round" {
		t.Errorf("rank 0 observed %v, want only the post-reconnect value", got)
	}
}
