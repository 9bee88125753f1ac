package local

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndDeliver(t *testing.T) {
	r := NewRegistry(4, nil)
	defer r.Close()

	sub, err := r.Subscribe("room:1")
	require.NoError(t, err)

	r.Deliver("room:1", []byte("hello"))

	msg := <-sub.C
	assert.Equal(t, "room:1", msg.Topic)
	assert.Equal(t, []byte("hello"), msg.Payload)
}

func TestDeliverReachesAllSubscribersOfTopic(t *testing.T) {
	r := NewRegistry(4, nil)
	defer r.Close()

	var subs []*Subscription
	for i := 0; i < 5; i++ {
		sub, err := r.Subscribe("room:1")
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	other, err := r.Subscribe("room:2")
	require.NoError(t, err)

	r.Deliver("room:1", []byte("x"))

	for _, sub := range subs {
		msg := <-sub.C
		assert.Equal(t, []byte("x"), msg.Payload)
	}
	select {
	case <-other.C:
		t.Fatal("subscriber of another topic received the message")
	default:
	}
}

func TestDeliverExcludesGivenSubscriber(t *testing.T) {
	r := NewRegistry(4, nil)
	defer r.Close()

	sender, err := r.Subscribe("room:1")
	require.NoError(t, err)
	receiver, err := r.Subscribe("room:1")
	require.NoError(t, err)

	r.Deliver("room:1", []byte("no echo"), Exclude(sender))

	msg := <-receiver.C
	assert.Equal(t, []byte("no echo"), msg.Payload)

	select {
	case <-sender.C:
		t.Fatal("excluded subscriber received the message")
	default:
	}
}

func TestDeliverCarriesFastlaneHint(t *testing.T) {
	r := NewRegistry(4, nil)
	defer r.Close()

	sub, err := r.Subscribe("firehose")
	require.NoError(t, err)

	hint := json.RawMessage(`{"lanes":[1,2]}`)
	r.Deliver("firehose", []byte("x"), Fastlane(hint))

	msg := <-sub.C
	assert.JSONEq(t, string(hint), string(msg.Fastlane))
}

func TestSlowSubscriberDoesNotBlockDelivery(t *testing.T) {
	r := NewRegistry(1, nil)
	defer r.Close()

	slow, err := r.Subscribe("room:1")
	require.NoError(t, err)
	fast, err := r.Subscribe("room:1")
	require.NoError(t, err)

	// Overflow the slow subscriber's mailbox without reading from it.
	for i := 0; i < defaultMailboxSize+10; i++ {
		r.Deliver("room:1", []byte("m"))
	}

	// Fast subscriber drains concurrently with nothing stuck.
	drained := 0
	for len(fast.C) > 0 {
		<-fast.C
		drained++
	}
	assert.Greater(t, drained, 0)
	assert.Len(t, slow.ch, defaultMailboxSize)
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	r := NewRegistry(4, nil)
	defer r.Close()

	sub, err := r.Subscribe("room:1")
	require.NoError(t, err)

	r.Unsubscribe(sub)
	_, open := <-sub.C
	assert.False(t, open)

	assert.Equal(t, 0, r.SubscriberCount("room:1"))
	r.Deliver("room:1", []byte("x")) // must not panic

	// Idempotent.
	r.Unsubscribe(sub)
}

func TestSameTopicAlwaysMapsToSameShard(t *testing.T) {
	r := NewRegistry(8, nil)
	defer r.Close()

	for i := 0; i < 100; i++ {
		topic := fmt.Sprintf("topic-%d", i)
		first := r.shardFor(topic)
		for j := 0; j < 10; j++ {
			assert.Same(t, first, r.shardFor(topic))
		}
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	r := NewRegistry(4, nil)

	a, _ := r.Subscribe("room:1")
	b, _ := r.Subscribe("room:2")

	r.Close()

	_, openA := <-a.C
	_, openB := <-b.C
	assert.False(t, openA)
	assert.False(t, openB)

	_, err := r.Subscribe("room:3")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnsubscribeDuringDeliveryDoesNotPanic(t *testing.T) {
	r := NewRegistry(1, nil)
	defer r.Close()

	subs := make([]*Subscription, 50)
	for i := range subs {
		sub, err := r.Subscribe("room:1")
		require.NoError(t, err)
		subs[i] = sub
	}

	// Delivery runs on the relay's receive goroutine in production; a
	// subscriber tearing down mid-delivery must never take it down.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			r.Deliver("room:1", []byte("x"))
		}
	}()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			r.Unsubscribe(s)
		}(sub)
	}
	wg.Wait()
	<-done

	assert.Equal(t, 0, r.SubscriberCount("room:1"))
}

func TestCloseDuringDeliveryDoesNotPanic(t *testing.T) {
	r := NewRegistry(4, nil)

	for i := 0; i < 50; i++ {
		_, err := r.Subscribe("room:1")
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			r.Deliver("room:1", []byte("x"))
		}
	}()

	r.Close()
	<-done
}

func TestSubscribeRacingCloseIsNeverStranded(t *testing.T) {
	// A subscriber registered concurrently with Close either gets ErrClosed
	// or gets a channel the close sweep still reaches; it is never left with
	// an open channel on a closed registry.
	for i := 0; i < 100; i++ {
		r := NewRegistry(4, nil)

		result := make(chan *Subscription, 1)
		go func() {
			sub, err := r.Subscribe("room:1")
			if err != nil {
				result <- nil
				return
			}
			result <- sub
		}()

		r.Close()

		if sub := <-result; sub != nil {
			select {
			case _, open := <-sub.C:
				assert.False(t, open)
			default:
				t.Fatal("subscriber stranded with an open channel after close")
			}
		}
	}
}

func TestConcurrentSubscribeDeliverUnsubscribe(t *testing.T) {
	r := NewRegistry(8, nil)
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			topic := fmt.Sprintf("room:%d", n%4)
			sub, err := r.Subscribe(topic)
			if err != nil {
				return
			}
			r.Deliver(topic, []byte("x"))
			r.Unsubscribe(sub)
		}(i)
	}
	wg.Wait()
}
