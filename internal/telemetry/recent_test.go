package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Latias94/codex-helper/internal/model"
)

func TestRecentBuffer_LastReturnsNewestFirst(t *testing.T) {
	rb := NewRecentBuffer(3)
	rb.Add(model.FinishedRequest{Path: "/a"})
	rb.Add(model.FinishedRequest{Path: "/b"})
	rb.Add(model.FinishedRequest{Path: "/c"})

	got := rb.Last(2)
	assert.Len(t, got, 2)
	assert.Equal(t, "/c", got[0].Path)
	assert.Equal(t, "/b", got[1].Path)
}

func TestRecentBuffer_EvictsOldestOnceFull(t *testing.T) {
	rb := NewRecentBuffer(2)
	rb.Add(model.FinishedRequest{Path: "/a"})
	rb.Add(model.FinishedRequest{Path: "/b"})
	rb.Add(model.FinishedRequest{Path: "/c"})

	got := rb.Last(0)
	assert.Len(t, got, 2)
	assert.Equal(t, "/c", got[0].Path)
	assert.Equal(t, "/b", got[1].Path)
}

func TestRecentBuffer_LastCapsAtAvailableCount(t *testing.T) {
	rb := NewRecentBuffer(5)
	rb.Add(model.FinishedRequest{Path: "/a"})

	got := rb.Last(10)
	assert.Len(t, got, 1)
}
