package orglifecycle

import "github.com/airweave-ai/airweave-core/internal/eventbus"

// EventBusPublisher implements Publisher over the shared event bus.
type EventBusPublisher struct {
	bus *eventbus.Bus
}

func NewEventBusPublisher(bus *eventbus.Bus) *EventBusPublisher {
	return &EventBusPublisher{bus: bus}
}

type OrganizationCreatedEvent struct {
	OrgID string
}

type OrganizationDeletedEvent struct {
	OrgID              string
	AffectedUserEmails []string
}

func (p *EventBusPublisher) PublishOrganizationCreated(orgID string) {
	p.bus.Publish(eventbus.Event{
		Topic:   eventbus.TopicOrganizationCreated,
		Payload: OrganizationCreatedEvent{OrgID: orgID},
	})
}

func (p *EventBusPublisher) PublishOrganizationDeleted(orgID string, affectedUserEmails []string) {
	p.bus.Publish(eventbus.Event{
		Topic:   eventbus.TopicOrganizationDeleted,
		Payload: OrganizationDeletedEvent{OrgID: orgID, AffectedUserEmails: affectedUserEmails},
	})
}
