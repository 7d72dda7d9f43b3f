package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishMatchesExactTopic(t *testing.T) {
	b := New()
	var got []Event
	b.Subscribe(TopicOrganizationCreated, func(e Event) { got = append(got, e) })

	b.Publish(Event{Topic: TopicOrganizationCreated, Payload: "org-1"})
	b.Publish(Event{Topic: TopicOrganizationDeleted, Payload: "org-2"})

	require.Len(t, got, 1)
	require.Equal(t, "org-1", got[0].Payload)
}

func TestPublishMatchesSingleSegmentWildcard(t *testing.T) {
	b := New()
	var topics []string
	b.Subscribe("org.*", func(e Event) { topics = append(topics, e.Topic) })

	b.Publish(Event{Topic: "org.created"})
	b.Publish(Event{Topic: "org.deleted"})
	b.Publish(Event{Topic: "org.member.added"}) // two segments past "org", should not match

	require.Equal(t, []string{"org.created", "org.deleted"}, topics)
}

func TestPublishMatchesDoubleWildcard(t *testing.T) {
	b := New()
	var count int
	b.Subscribe("sync.**", func(e Event) { count++ })

	b.Publish(Event{Topic: TopicSyncProgressTick})
	b.Publish(Event{Topic: TopicSyncEntityCounts})
	b.Publish(Event{Topic: TopicOrganizationCreated})

	require.Equal(t, 2, count)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var count int
	unsub := b.Subscribe(TopicACLChanged, func(e Event) { count++ })

	b.Publish(Event{Topic: TopicACLChanged})
	unsub()
	b.Publish(Event{Topic: TopicACLChanged})

	require.Equal(t, 1, count)
}
