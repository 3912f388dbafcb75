package messaging

// Topic constants for the eHash bus
const (
	TopicShareOutcomes     = "ehash.share_outcomes"     // share validation → ehashd (mint)
	TopicShareAcks         = "ehash.share_acks"         // share validation → ehashd (wallet)
	TopicCoordinatorStatus = "ehash.coordinator_status" // ehashd → monitoring
)

// DefaultGroupID is the consumer group used when none is configured.
const DefaultGroupID = "ehashd"
