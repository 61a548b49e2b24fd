package broker

import "testing"

func TestRegistryStoreGetDelete(t *testing.T) {
	r := NewRegistry()

	c := &Client{ID: "client-1", CleanSession: true}
	r.Store(c)

	got, ok := r.Get("client-1")
	if !ok || got.ID != "client-1" {
		t.Fatalf("Get() = %v, %v, want client-1, true", got, ok)
	}

	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	r.Delete("client-1")
	if _, ok := r.Get("client-1"); ok {
		t.Fatal("expected client-1 to be removed")
	}
}

func TestRegistryAllIsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Store(&Client{ID: "a"})
	r.Store(&Client{ID: "b"})

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d clients, want 2", len(all))
	}

	r.Store(&Client{ID: "c"})
	if len(all) != 2 {
		t.Fatal("previously captured snapshot must not observe later writes")
	}
}

func TestClientWriteWithoutConnection(t *testing.T) {
	c := &Client{ID: "offline"}
	sent, err := c.Write([]byte{0x01})
	if sent || err != nil {
		t.Fatalf("Write() on a disconnected client = %v, %v, want false, nil", sent, err)
	}
}

func TestClientMarkDisconnected(t *testing.T) {
	c := &Client{ID: "x", Connected: true}
	c.MarkDisconnected()
	if c.Connected {
		t.Fatal("expected Connected to be false after MarkDisconnected")
	}
}
