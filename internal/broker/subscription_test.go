package broker

import (
	"testing"

	"github.com/sablemq/sablemq/internal/packet"
)

func TestSubscribeReplacesExisting(t *testing.T) {
	e := NewSubscriptionEngine()

	e.Subscribe(&Subscription{ClientID: "c", Filter: "a/b", QoS: packet.QoSAtMostOnce})
	e.Subscribe(&Subscription{ClientID: "c", Filter: "a/b", QoS: packet.QoSExactlyOnce})

	subs := e.Match("a/b")
	if len(subs) != 1 {
		t.Fatalf("Match() returned %d subs, want 1", len(subs))
	}
	if subs[0].QoS != packet.QoSExactlyOnce {
		t.Fatalf("QoS = %v, want upgraded QoSExactlyOnce", subs[0].QoS)
	}
}

func TestUnsubscribeAllRemovesEveryFilter(t *testing.T) {
	e := NewSubscriptionEngine()
	e.Subscribe(&Subscription{ClientID: "c", Filter: "a/b"})
	e.Subscribe(&Subscription{ClientID: "c", Filter: "x/+"})

	e.UnsubscribeAll("c")

	if subs := e.Match("a/b"); len(subs) != 0 {
		t.Fatalf("Match(a/b) after UnsubscribeAll = %v, want none", subs)
	}
	if subs := e.Match("x/y"); len(subs) != 0 {
		t.Fatalf("Match(x/y) after UnsubscribeAll = %v, want none", subs)
	}
}

func TestSetRetainedEmptyPayloadDeletes(t *testing.T) {
	e := NewSubscriptionEngine()
	e.SetRetained("cfg/k", []byte("v"), packet.QoSAtLeastOnce)

	if got := e.MatchRetained("cfg/k"); len(got) != 1 {
		t.Fatalf("MatchRetained before delete = %v, want 1 entry", got)
	}

	e.SetRetained("cfg/k", nil, packet.QoSAtLeastOnce)

	if got := e.MatchRetained("cfg/k"); len(got) != 0 {
		t.Fatalf("MatchRetained after empty-payload set = %v, want none", got)
	}
}

func TestMatchRetainedWildcard(t *testing.T) {
	e := NewSubscriptionEngine()
	e.SetRetained("cfg/a", []byte("1"), packet.QoSAtMostOnce)
	e.SetRetained("cfg/b", []byte("2"), packet.QoSAtMostOnce)
	e.SetRetained("other/c", []byte("3"), packet.QoSAtMostOnce)

	got := e.MatchRetained("cfg/#")
	if len(got) != 2 {
		t.Fatalf("MatchRetained(cfg/#) returned %d, want 2", len(got))
	}
}

func TestMatchMostSpecificWins(t *testing.T) {
	e := NewSubscriptionEngine()
	e.Subscribe(&Subscription{ClientID: "c", Filter: "a/#", QoS: packet.QoSAtMostOnce})
	e.Subscribe(&Subscription{ClientID: "c", Filter: "a/b", QoS: packet.QoSExactlyOnce})

	subs := e.Match("a/b")
	if len(subs) != 1 {
		t.Fatalf("Match() returned %d subs, want exactly one per client", len(subs))
	}
	if subs[0].Filter != "a/b" || subs[0].QoS != packet.QoSExactlyOnce {
		t.Fatalf("got filter %q qos %v, want the more specific a/b at qos 2", subs[0].Filter, subs[0].QoS)
	}
}

func TestNoDuplicateSubscriptionPerClientFilter(t *testing.T) {
	e := NewSubscriptionEngine()
	e.Subscribe(&Subscription{ClientID: "c", Filter: "a/b", QoS: packet.QoSAtMostOnce})
	e.Subscribe(&Subscription{ClientID: "c", Filter: "a/b", QoS: packet.QoSAtLeastOnce})

	if got := len(e.ClientSubscriptions("c")); got != 1 {
		t.Fatalf("ClientSubscriptions returned %d entries, want 1 (idempotent upgrade)", got)
	}
}
