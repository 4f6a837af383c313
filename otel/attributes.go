package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttrAPI       = attribute.Key("messaging.kafka.api")
	AttrBroker    = attribute.Key("messaging.kafka.broker")
	AttrTopic     = attribute.Key("messaging.destination.name")
	AttrPartition = attribute.Key("messaging.destination.partition.id")
	AttrGroup     = attribute.Key("messaging.consumer.group.name")
	AttrStatus    = attribute.Key("pubsub.status")
	AttrComponent = attribute.Key("pubsub.component")
	AttrReason    = attribute.Key("pubsub.reason")
	AttrAction    = attribute.Key("pubsub.errorhandler.action")
	AttrPhase     = attribute.Key("pubsub.error.phase")
	AttrOffset    = attribute.Key("messaging.kafka.offset")
)

// Status values
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusRetried = "retried"
	StatusTimeout = "timeout"
	StatusEmpty   = "empty"
	StatusDLQ     = "dlq"
	StatusDropped = "dropped"
)
