package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrRecordCount    = "messaging.batch.message_count"
	AttrDestClient     = "topicmirror.dst.client"
)

// Span names.
const (
	SpanPoll   = "topicmirror.poll"
	SpanFlush  = "topicmirror.flush"
	SpanCommit = "topicmirror.commit"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, the span already in ctx is returned.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

func RecordCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrRecordCount, n)
}

func DestClientAttr(name string) attribute.KeyValue {
	return attribute.String(AttrDestClient, name)
}
