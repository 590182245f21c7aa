package events

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroadcaster(t *testing.T, buffer int) *Broadcaster {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	b := NewBroadcaster(buffer, logger)
	t.Cleanup(b.Close)
	return b
}

func recvEvent(t *testing.T, s *Subscriber) Event {
	t.Helper()
	select {
	case e, ok := <-s.Events():
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcaster_PublishStampsEvent(t *testing.T) {
	b := testBroadcaster(t, 8)
	s := b.Subscribe("school-1")

	published := b.Publish(TypeDeviceStatusChanged, "school-1", map[string]interface{}{
		"device_id": "dev-1",
		"status":    "online",
	})

	got := recvEvent(t, s)
	assert.Equal(t, published.ID, got.ID)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, TypeDeviceStatusChanged, got.Type)
	assert.Equal(t, "school-1", got.SchoolID)
	assert.Equal(t, b.InstanceID(), got.Origin)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "dev-1", got.Data["device_id"])
}

func TestBroadcaster_SchoolScoping(t *testing.T) {
	b := testBroadcaster(t, 8)
	s1 := b.Subscribe("school-1")
	s2 := b.Subscribe("school-2")
	all := b.Subscribe("")

	b.Publish(TypeEnrollmentStarted, "school-1", nil)

	got := recvEvent(t, s1)
	assert.Equal(t, "school-1", got.SchoolID)
	assert.Equal(t, got.ID, recvEvent(t, all).ID)

	select {
	case e := <-s2.Events():
		t.Fatalf("subscriber for another school received event %s", e.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_PerSubscriberOrdering(t *testing.T) {
	b := testBroadcaster(t, 16)
	s := b.Subscribe("school-1")

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, b.Publish(TypeEnrollmentProgress, "school-1", nil).ID)
	}

	for _, want := range ids {
		assert.Equal(t, want, recvEvent(t, s).ID)
	}
}

func TestBroadcaster_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := testBroadcaster(t, 2)
	slow := b.Subscribe("school-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(TypeEnrollmentProgress, "school-1", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// Only the buffered events survive
	count := 0
	for {
		select {
		case <-slow.Events():
			count++
		default:
			assert.Equal(t, 2, count)
			return
		}
	}
}

func TestBroadcaster_SubscriberClose(t *testing.T) {
	b := testBroadcaster(t, 8)
	s := b.Subscribe("school-1")
	assert.Equal(t, 1, b.SubscriberCount())

	s.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-s.Events()
	assert.False(t, ok)

	s.Close() // double close is a no-op
}

func TestBroadcaster_CloseClosesSubscribers(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	b := NewBroadcaster(8, logger)

	s := b.Subscribe("school-1")
	b.Close()

	_, ok := <-s.Events()
	assert.False(t, ok)

	// Subscribing after close yields an already-closed subscriber
	late := b.Subscribe("school-1")
	_, ok = <-late.Events()
	assert.False(t, ok)
}

func TestBroadcaster_InjectSkipsOwnEvents(t *testing.T) {
	b := testBroadcaster(t, 8)
	s := b.Subscribe("school-1")

	// An event that looped back through the relay must not be re-delivered
	b.Inject(Event{ID: "loop", Type: TypeStudentSynced, SchoolID: "school-1", Origin: b.InstanceID()})

	// One from another instance is
	b.Inject(Event{ID: "remote", Type: TypeStudentSynced, SchoolID: "school-1", Origin: "other-instance"})

	got := recvEvent(t, s)
	assert.Equal(t, "remote", got.ID)
}

func TestBroadcaster_SinksSeeLocalEventsOnly(t *testing.T) {
	b := testBroadcaster(t, 8)

	var seen []string
	b.AddSink(func(e Event) { seen = append(seen, e.ID) })

	published := b.Publish(TypeDeviceRegistered, "school-1", nil)
	b.Inject(Event{ID: "remote", SchoolID: "school-1", Origin: "other-instance"})

	require.Len(t, seen, 1)
	assert.Equal(t, published.ID, seen[0])
}

func TestChannelFor(t *testing.T) {
	assert.Equal(t, "biocore:events:school-1", ChannelFor("school-1"))
}
