// Package ingest normalizes inbound notifications into canonical pipeline events.
//
// Two kinds of notifications reach the pipeline, both over an at-least-once
// transport that may wrap them in one or more envelopes:
//
//   - storage notifications ("object created"), turned into models.SourceReadyEvent
//   - backend completion notifications ("job finished"), turned into models.CompletionSignal
//
// Supported envelopes:
//   - S3 event notifications (Records[].s3), raw or inside SNS
//   - SNS HTTP deliveries (Type=Notification, Message=<json string>)
//   - Lambda-style SNS events (Records[].Sns.Message)
//   - Google Cloud Pub/Sub push deliveries (message.attributes, base64 message.data)
//   - GCS object resources (kind=storage#object)
//   - canonical {"bucket","key","eventTime"} and {"jobId","outcome"} documents
//
// Anything else is a MalformedEventError: the notification is logged and dropped,
// redelivery is the producer's concern.
package ingest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"docpipeline/pkg/models"
)

// Providers recorded on SourceReadyEvent.Provider.
const (
	ProviderS3        = "s3"
	ProviderGCS       = "gcs"
	ProviderCanonical = "canonical"
)

// maxEnvelopeDepth bounds how many envelopes may wrap a single notification.
const maxEnvelopeDepth = 4

// Ingest normalizes a storage notification and returns its first object-created record.
func Ingest(raw []byte, receivedAt time.Time) (models.SourceReadyEvent, error) {
	const op = "Ingest"

	events, err := IngestAll(raw, receivedAt)
	if err != nil {
		return models.SourceReadyEvent{}, err
	}
	if len(events) == 0 {
		return models.SourceReadyEvent{}, malformed(op, ErrMissingField, "no records")
	}
	return events[0], nil
}

// IngestAll normalizes a storage notification that may batch several records.
func IngestAll(raw []byte, receivedAt time.Time) ([]models.SourceReadyEvent, error) {
	const op = "IngestAll"

	events, err := ingestEnvelope(raw, receivedAt, 0)
	if err != nil {
		return nil, malformed(op, err, "")
	}
	if len(events) == 0 {
		return nil, malformed(op, ErrMissingField, "no records")
	}
	return events, nil
}

func ingestEnvelope(raw []byte, receivedAt time.Time, depth int) ([]models.SourceReadyEvent, error) {
	if depth > maxEnvelopeDepth {
		return nil, fmt.Errorf("%w: envelopes nested deeper than %d", ErrInvalidEnvelope, maxEnvelopeDepth)
	}

	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	switch {
	case isSNSDelivery(obj):
		msg, err := snsMessage(obj)
		if err != nil {
			return nil, err
		}
		return ingestEnvelope([]byte(msg), receivedAt, depth+1)

	case has(obj, "Records"):
		return ingestRecords(obj["Records"], receivedAt, depth)

	case isPubSubPush(obj):
		return ingestPubSub(obj["message"], receivedAt, depth)

	case stringField(obj, "kind") == "storage#object":
		var res gcsObject
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("%w: gcs object resource: %v", ErrInvalidEnvelope, err)
		}
		ev, err := newEvent(res.Bucket, res.Name, parseTime(res.TimeCreated), receivedAt, ProviderGCS)
		if err != nil {
			return nil, err
		}
		return []models.SourceReadyEvent{ev}, nil

	case has(obj, "Event") && has(obj, "Service"):
		// S3 sends s3:TestEvent when a notification configuration is created.
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, stringField(obj, "Event"))

	case has(obj, "bucket") && has(obj, "key"):
		var c canonicalEvent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: canonical event: %v", ErrInvalidEnvelope, err)
		}
		ev, err := newEvent(c.Bucket, c.Key, parseTime(c.EventTime), receivedAt, ProviderCanonical)
		if err != nil {
			return nil, err
		}
		return []models.SourceReadyEvent{ev}, nil
	}

	return nil, ErrInvalidEnvelope
}

func ingestRecords(raw json.RawMessage, receivedAt time.Time, depth int) ([]models.SourceReadyEvent, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: Records is not an array", ErrInvalidEnvelope)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: Records is empty", ErrMissingField)
	}

	var events []models.SourceReadyEvent
	for i, rec := range records {
		obj, err := decodeObject(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		switch {
		case has(obj, "Sns"):
			var wrapper lambdaSNSRecord
			if err := json.Unmarshal(rec, &wrapper); err != nil {
				return nil, fmt.Errorf("%w: record %d: %v", ErrInvalidEnvelope, i, err)
			}
			if wrapper.Sns.Message == "" {
				return nil, fmt.Errorf("%w: record %d: Sns.Message", ErrMissingField, i)
			}
			inner, err := ingestEnvelope([]byte(wrapper.Sns.Message), receivedAt, depth+1)
			if err != nil {
				return nil, err
			}
			events = append(events, inner...)

		case has(obj, "s3"):
			var s3rec s3Record
			if err := json.Unmarshal(rec, &s3rec); err != nil {
				return nil, fmt.Errorf("%w: record %d: %v", ErrInvalidEnvelope, i, err)
			}
			ev, err := s3rec.event(receivedAt)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", i, err)
			}
			events = append(events, ev)

		default:
			return nil, fmt.Errorf("%w: record %d has neither s3 nor Sns", ErrInvalidEnvelope, i)
		}
	}
	return events, nil
}

func ingestPubSub(raw json.RawMessage, receivedAt time.Time, depth int) ([]models.SourceReadyEvent, error) {
	var msg pubSubMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: pubsub message: %v", ErrInvalidEnvelope, err)
	}

	if eventType := msg.Attributes["eventType"]; eventType != "" && eventType != "OBJECT_FINALIZE" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}

	bucket, object := msg.Attributes["bucketId"], msg.Attributes["objectId"]
	if bucket != "" || object != "" {
		ev, err := newEvent(bucket, object, parseTime(msg.Attributes["eventTime"]), receivedAt, ProviderGCS)
		if err != nil {
			return nil, err
		}
		return []models.SourceReadyEvent{ev}, nil
	}

	if len(msg.Data) == 0 {
		return nil, fmt.Errorf("%w: pubsub message has neither attributes nor data", ErrMissingField)
	}
	return ingestEnvelope(msg.Data, receivedAt, depth+1)
}

func (r s3Record) event(receivedAt time.Time) (models.SourceReadyEvent, error) {
	if r.EventName != "" && !strings.HasPrefix(r.EventName, "ObjectCreated:") {
		return models.SourceReadyEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, r.EventName)
	}

	// S3 form-encodes object keys in notifications.
	key, err := url.QueryUnescape(r.S3.Object.Key)
	if err != nil {
		return models.SourceReadyEvent{}, fmt.Errorf("%w: object key %q: %v", ErrInvalidEnvelope, r.S3.Object.Key, err)
	}
	return newEvent(r.S3.Bucket.Name, key, parseTime(r.EventTime), receivedAt, ProviderS3)
}

func newEvent(bucket, key string, eventTime, receivedAt time.Time, provider string) (models.SourceReadyEvent, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return models.SourceReadyEvent{}, fmt.Errorf("%w: bucket", ErrMissingField)
	}
	if key == "" {
		return models.SourceReadyEvent{}, fmt.Errorf("%w: object key", ErrMissingField)
	}

	sourceID := bucket + "/" + key
	return models.SourceReadyEvent{
		SourceID:   sourceID,
		Bucket:     bucket,
		Key:        key,
		DedupeKey:  models.DedupeKeyFor(sourceID),
		EventTime:  eventTime,
		ReceivedAt: receivedAt.UTC(),
		Provider:   provider,
	}, nil
}

// parseTime accepts RFC 3339 timestamps with or without fractional seconds.
// Unparseable values yield the zero time; the event time is informational.
func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
