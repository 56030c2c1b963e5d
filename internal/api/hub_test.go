package api

import (
	"testing"

	"github.com/alvmarrod/outbound-weaver/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FiltersBySite(t *testing.T) {
	hub := NewHub(4)
	site, cancelSite := hub.Subscribe("a.org")
	defer cancelSite()
	all, cancelAll := hub.Subscribe("")
	defer cancelAll()

	hub.Emit(events.Event{Type: events.Page, Site: "a.org"})
	hub.Emit(events.Event{Type: events.Page, Site: "b.org"})

	require.Len(t, site, 1)
	assert.Equal(t, "a.org", (<-site).Site)
	assert.Len(t, all, 2)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe("a.org")
	defer cancel()

	hub.Emit(events.Event{Type: events.Page, Site: "a.org"})
	hub.Emit(events.Event{Type: events.Page, Site: "a.org"})

	assert.Equal(t, 0, hub.Subscribers())
	_, ok := <-ch
	assert.True(t, ok, "buffered event is still delivered")
	_, ok = <-ch
	assert.False(t, ok)
}

func TestHub_CancelAndClose(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe("a.org")
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	ch, _ = hub.Subscribe("a.org")
	hub.Close()
	_, ok = <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
}
