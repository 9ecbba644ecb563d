package gateway

import "testing"

func TestHubRoutesByEpisode(t *testing.T) {
	h := NewHub(4)
	mine, cancelMine := h.Subscribe("e1")
	defer cancelMine()
	all, cancelAll := h.Subscribe("")
	defer cancelAll()

	h.Publish(Notification{EpisodeID: "e1", Step: 1})
	h.Publish(Notification{EpisodeID: "e2", Step: 7})

	if n := <-mine; n.Step != 1 {
		t.Fatalf("e1 subscriber got %+v", n)
	}
	if len(mine) != 0 {
		t.Fatalf("e1 subscriber received another episode's notification")
	}
	if len(all) != 2 {
		t.Fatalf("wildcard subscriber has %d notifications, want 2", len(all))
	}
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	h := NewHub(2)
	ch, cancel := h.Subscribe("e1")
	defer cancel()

	for step := int64(1); step <= 5; step++ {
		h.Publish(Notification{EpisodeID: "e1", Step: step})
	}
	if a, b := <-ch, <-ch; a.Step != 4 || b.Step != 5 {
		t.Fatalf("kept steps %d and %d, want 4 and 5", a.Step, b.Step)
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe("e1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	// Publishing after cancel must not panic on the closed channel.
	h.Publish(Notification{EpisodeID: "e1", Step: 1})
}
