package ingest

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipeline/pkg/models"
)

const textractMessage = `{"JobId":"J1","Status":"SUCCEEDED","API":"StartDocumentAnalysis","Timestamp":1709294400000,"DocumentLocation":{"S3ObjectName":"doc1.pdf","S3Bucket":"bucket"}}`

func TestParseSignal_Envelopes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"textract", textractMessage},
		{"sns", snsWrap(t, textractMessage)},
		{"lambda sns", lambdaSNSWrap(t, textractMessage)},
		{"canonical", `{"jobId":"J1","outcome":"SUCCEEDED"}`},
		{"canonical status", `{"jobId":"J1","status":"succeeded"}`},
		{"pubsub attributes", `{"message":{"attributes":{"jobId":"J1","status":"DONE"}},"subscription":"s"}`},
		{"pubsub data", `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(`{"jobId":"J1","outcome":"SUCCEEDED"}`)) + `"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := ParseSignal([]byte(tt.raw), received)
			require.NoError(t, err)
			assert.Equal(t, "J1", sig.JobID)
			assert.Equal(t, models.OutcomeSucceeded, sig.Outcome)
			assert.Equal(t, received, sig.ReceivedAt)
		})
	}
}

func TestParseSignal_FailureOutcomes(t *testing.T) {
	for _, status := range []string{"FAILED", "ERROR", "cancelled"} {
		sig, err := ParseSignal([]byte(`{"JobId":"J2","Status":"`+status+`"}`), received)
		require.NoError(t, err, status)
		assert.Equal(t, models.OutcomeFailed, sig.Outcome, status)
		assert.Equal(t, status, sig.Status)
	}
}

func TestParseSignal_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"garbage", `{{`, ErrInvalidEnvelope},
		{"no job id", `{"jobId":"","outcome":"SUCCEEDED"}`, ErrMissingField},
		{"no status", `{"JobId":"J1"}`, ErrMissingField},
		{"unknown status", `{"JobId":"J1","Status":"IN_PROGRESS"}`, ErrUnsupportedEvent},
		{"empty lambda records", `{"Records":[]}`, ErrMissingField},
		{"unknown shape", `{"foo":1}`, ErrInvalidEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignal([]byte(tt.raw), received)
			require.Error(t, err)
			assert.True(t, IsMalformed(err))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNormalizeOutcome(t *testing.T) {
	got, err := NormalizeOutcome("partial_success")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSucceeded, got)

	_, err = NormalizeOutcome("RUNNING")
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
}
