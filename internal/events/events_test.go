package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMulti(t *testing.T) {
	var a, b Recorder
	sink := Multi(&a, nil, &b)

	sink.Emit(Event{Type: Page, Site: "example.com"})
	sink.Emit(Event{Type: Done, Site: "example.com"})

	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.Events(), 2)
	assert.Len(t, a.OfType(Done), 1)
}

func TestOrDiscard(t *testing.T) {
	assert.NotPanics(t, func() { OrDiscard(nil).Emit(Event{Type: Stats}) })

	var r Recorder
	OrDiscard(&r).Emit(Event{Type: Stats})
	assert.Len(t, r.Events(), 1)
}
