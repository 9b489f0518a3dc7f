package events

// PubSubPublish is emitted after a payload is handed to the event channel.
type PubSubPublish struct {
	Topic string
	Err   error
}

// PubSubSubscribe is emitted when a listener is registered on a topic.
type PubSubSubscribe struct {
	Topic string
}

// PubSubUnsubscribe is emitted when a listener is deregistered.
type PubSubUnsubscribe struct {
	Topic string
}
