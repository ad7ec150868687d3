/*
Package events provides an in-memory event broker for Berth's lifecycle,
network and reconciliation events.

Publishers never block: Publish drops the event when the broker queue (100
events) is full, and broadcast skips subscribers whose buffer (50 events) is
full. Events are a notification side channel only; the store remains the
source of truth.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Resource)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventContainerCreated,
		Owner:    "alice",
		Engine:   "docker",
		Resource: rec.ID,
	})

A nil *Broker is valid and discards everything, so components can be built
without one in tests.
*/
package events
