/*
Package events provides an in-memory event broker for case and run
notifications.

Publishers (the case watcher, the run executor) push events into a buffered
channel; a single broadcast loop fans them out to subscriber channels. A
subscriber either follows every case or a single case directory, which is
how the streaming endpoint wakes only the clients watching the case that
changed.

Delivery is best effort. Publish blocks only while the broker queue (100
events) is full, and a subscriber whose own buffer (50 events) is full
misses events rather than stalling the broker. Consumers treat an event as
a hint to re-read state, never as the state itself.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.SubscribeCase("/runs/cavity")
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		if ev.Type == events.EventCaseChanged {
			// rebuild payload
		}
	}
*/
package events
