package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type lambdaSNSRecord struct {
	Sns struct {
		Message string `json:"Message"`
	} `json:"Sns"`
}

type s3Record struct {
	EventName string `json:"eventName"`
	EventTime string `json:"eventTime"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

type pubSubMessage struct {
	Attributes map[string]string `json:"attributes"`
	Data       []byte            `json:"data"` // base64 on the wire
	MessageID  string            `json:"messageId"`
}

type gcsObject struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	TimeCreated string `json:"timeCreated"`
}

type canonicalEvent struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	EventTime string `json:"eventTime"`
}

type canonicalSignal struct {
	JobID   string `json:"jobId"`
	Outcome string `json:"outcome"`
	Status  string `json:"status"`
}

// textractSignal is the completion message Amazon Textract publishes to SNS.
type textractSignal struct {
	JobID  string `json:"JobId"`
	Status string `json:"Status"`
	API    string `json:"API"`
}

// decodeObject decodes a JSON object keeping its members raw.
// Keys are matched exactly, unlike struct decoding.
func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidEnvelope)
	}
	return obj, nil
}

func has(obj map[string]json.RawMessage, key string) bool {
	v, ok := obj[key]
	return ok && len(v) > 0 && string(v) != "null"
}

// stringField returns obj[key] when it is a JSON string, "" otherwise.
func stringField(obj map[string]json.RawMessage, key string) string {
	v, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

func isSNSDelivery(obj map[string]json.RawMessage) bool {
	return stringField(obj, "Type") != "" && has(obj, "Message")
}

func snsMessage(obj map[string]json.RawMessage) (string, error) {
	switch typ := stringField(obj, "Type"); typ {
	case "Notification":
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		return "", fmt.Errorf("%w: SNS %s", ErrUnsupportedEvent, typ)
	default:
		return "", fmt.Errorf("%w: SNS message type %q", ErrUnsupportedEvent, typ)
	}

	msg := stringField(obj, "Message")
	if msg == "" {
		return "", fmt.Errorf("%w: SNS Message", ErrMissingField)
	}
	return msg, nil
}

func isPubSubPush(obj map[string]json.RawMessage) bool {
	v, ok := obj["message"]
	return ok && len(bytes.TrimSpace(v)) > 0 && bytes.TrimSpace(v)[0] == '{'
}

// SubscriptionConfirmation reports whether raw is an SNS subscription handshake
// and returns the URL that confirms it.
func SubscriptionConfirmation(raw []byte) (subscribeURL string, ok bool) {
	obj, err := decodeObject(raw)
	if err != nil {
		return "", false
	}
	if stringField(obj, "Type") != "SubscriptionConfirmation" {
		return "", false
	}
	return stringField(obj, "SubscribeURL"), true
}
