package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingChannelOverwritesOldest(t *testing.T) {
	rc := NewRingChannel[int](3)

	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}

	// Only the newest three survive.
	assert.Equal(t, 3, <-rc.C())
	assert.Equal(t, 4, <-rc.C())
	assert.Equal(t, 5, <-rc.C())

	select {
	case v := <-rc.C():
		t.Fatalf("unexpected extra item %v", v)
	default:
	}
}

func TestRingChannelNeverBlocksSender(t *testing.T) {
	rc := NewRingChannel[int](1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			rc.Send(i)
		}
		close(done)
	}()

	<-done
	assert.Equal(t, 999, <-rc.C())
}

func TestRingChannelRejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}
