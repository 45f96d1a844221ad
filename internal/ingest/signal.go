package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"docpipeline/pkg/models"
)

// ParseSignal normalizes a backend completion notification into a CompletionSignal.
func ParseSignal(raw []byte, receivedAt time.Time) (models.CompletionSignal, error) {
	const op = "ParseSignal"

	sig, err := parseSignalEnvelope(raw, 0)
	if err != nil {
		return models.CompletionSignal{}, malformed(op, err, "")
	}
	sig.ReceivedAt = receivedAt.UTC()
	return sig, nil
}

func parseSignalEnvelope(raw []byte, depth int) (models.CompletionSignal, error) {
	if depth > maxEnvelopeDepth {
		return models.CompletionSignal{}, fmt.Errorf("%w: envelopes nested deeper than %d", ErrInvalidEnvelope, maxEnvelopeDepth)
	}

	obj, err := decodeObject(raw)
	if err != nil {
		return models.CompletionSignal{}, err
	}

	switch {
	case isSNSDelivery(obj):
		msg, err := snsMessage(obj)
		if err != nil {
			return models.CompletionSignal{}, err
		}
		return parseSignalEnvelope([]byte(msg), depth+1)

	case has(obj, "Records"):
		var records []lambdaSNSRecord
		if err := json.Unmarshal(obj["Records"], &records); err != nil {
			return models.CompletionSignal{}, fmt.Errorf("%w: Records: %v", ErrInvalidEnvelope, err)
		}
		if len(records) == 0 || records[0].Sns.Message == "" {
			return models.CompletionSignal{}, fmt.Errorf("%w: Records[0].Sns.Message", ErrMissingField)
		}
		return parseSignalEnvelope([]byte(records[0].Sns.Message), depth+1)

	case isPubSubPush(obj):
		var msg pubSubMessage
		if err := json.Unmarshal(obj["message"], &msg); err != nil {
			return models.CompletionSignal{}, fmt.Errorf("%w: pubsub message: %v", ErrInvalidEnvelope, err)
		}
		if jobID := firstAttr(msg.Attributes, "jobId", "JobId"); jobID != "" {
			return newSignal(jobID, firstAttr(msg.Attributes, "outcome", "status", "Status"))
		}
		if len(msg.Data) == 0 {
			return models.CompletionSignal{}, fmt.Errorf("%w: pubsub message has neither jobId attribute nor data", ErrMissingField)
		}
		return parseSignalEnvelope(msg.Data, depth+1)

	case has(obj, "JobId"):
		var t textractSignal
		if err := json.Unmarshal(raw, &t); err != nil {
			return models.CompletionSignal{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		return newSignal(t.JobID, t.Status)

	case has(obj, "jobId"):
		var c canonicalSignal
		if err := json.Unmarshal(raw, &c); err != nil {
			return models.CompletionSignal{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		status := c.Outcome
		if status == "" {
			status = c.Status
		}
		return newSignal(c.JobID, status)
	}

	return models.CompletionSignal{}, ErrInvalidEnvelope
}

func newSignal(jobID, status string) (models.CompletionSignal, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return models.CompletionSignal{}, fmt.Errorf("%w: job id", ErrMissingField)
	}
	if strings.TrimSpace(status) == "" {
		return models.CompletionSignal{}, fmt.Errorf("%w: status", ErrMissingField)
	}

	outcome, err := NormalizeOutcome(status)
	if err != nil {
		return models.CompletionSignal{}, err
	}
	return models.CompletionSignal{
		JobID:   jobID,
		Outcome: outcome,
		Status:  status,
	}, nil
}

// NormalizeOutcome maps producer-specific job statuses onto the two outcomes the
// pipeline distinguishes. Partial success counts as success; the result fetcher
// decides whether the payload is usable.
func NormalizeOutcome(status string) (models.Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCEEDED", "SUCCESS", "SUCCESSFUL", "DONE", "PARTIAL_SUCCESS":
		return models.OutcomeSucceeded, nil
	case "FAILED", "FAILURE", "ERROR", "CANCELLED", "CANCELED":
		return models.OutcomeFailed, nil
	default:
		return "", fmt.Errorf("%w: job status %q", ErrUnsupportedEvent, status)
	}
}

func firstAttr(attrs map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := attrs[k]; v != "" {
			return v
		}
	}
	return ""
}
