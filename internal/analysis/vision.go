package analysis

import (
	"context"
	"fmt"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"

	"docpipeline/internal/logger"
)

// visionBatchSize is the number of pages Vision writes into each output shard.
const visionBatchSize = 20

// Vision only annotates files of these types asynchronously.
var visionMimeTypes = []string{"application/pdf", "image/tiff", "image/gif"}

// VisionBackend implements Backend using Cloud Vision asynchronous file annotation.
type VisionBackend struct {
	client *vision.ImageAnnotatorClient
	config Config
	log    zerolog.Logger
}

// NewVisionBackend creates a backend with credentials from environment.
// It expects either GOOGLE_APPLICATION_CREDENTIALS path or GOOGLE_CREDENTIALS JSON in env.
func NewVisionBackend(ctx context.Context, config Config) (*VisionBackend, error) {
	const op = "NewVisionBackend"

	if config.OutputBucket == "" {
		return nil, WrapBackendError(op, ErrInvalidConfiguration, "output bucket is required")
	}

	opts := credentialOptions()
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		if len(opts) == 0 {
			return nil, WrapBackendError(op, ErrMissingCredentials, "no credentials found in environment")
		}
		return nil, WrapBackendError(op, err, "failed to create Vision client")
	}

	return NewVisionBackendWithClient(config, client), nil
}

// NewVisionBackendWithClient creates a backend with an explicit client (for testing).
func NewVisionBackendWithClient(config Config, client *vision.ImageAnnotatorClient) *VisionBackend {
	return &VisionBackend{
		client: client,
		config: config,
		log:    logger.WithComponent("vision"),
	}
}

// StartJob starts asynchronous text detection for a PDF, TIFF or GIF in GCS.
func (v *VisionBackend) StartJob(ctx context.Context, src SourceRef, opts StartOptions) (string, error) {
	const op = "StartJob"

	if src.Bucket == "" || src.Key == "" {
		return "", WrapBackendError(op, fmt.Errorf("%w: %w", ErrPermanent, ErrInvalidSource), src.URI())
	}
	mimeType, err := mimeTypeFor(src.Key, visionMimeTypes...)
	if err != nil {
		return "", WrapBackendError(op, err, src.URI())
	}

	callCtx, cancel := context.WithTimeout(ctx, v.config.timeout())
	defer cancel()

	req := &visionpb.AsyncBatchAnnotateFilesRequest{
		Requests: []*visionpb.AsyncAnnotateFileRequest{
			{
				InputConfig: &visionpb.InputConfig{
					GcsSource: &visionpb.GcsSource{Uri: src.URI()},
					MimeType:  mimeType,
				},
				Features: []*visionpb.Feature{
					{
						Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION,
					},
				},
				OutputConfig: &visionpb.OutputConfig{
					GcsDestination: &visionpb.GcsDestination{Uri: v.config.outputURI(opts.OutputPrefix)},
					BatchSize:      visionBatchSize,
				},
			},
		},
	}

	operation, err := v.client.AsyncBatchAnnotateFiles(callCtx, req)
	if err != nil {
		return "", classifyRPCError(op, err)
	}

	v.log.Info().
		Str("source", src.URI()).
		Str("operation", operation.Name()).
		Str("tag", opts.Tag).
		Msg("Vision file annotation started")

	return operation.Name(), nil
}

// GetResult polls the annotation operation once and converts its response into a Result.
func (v *VisionBackend) GetResult(ctx context.Context, jobID string) (*Result, error) {
	const op = "GetResult"

	resp, err := v.poll(ctx, op, jobID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		JobID:       jobID,
		CompletedAt: time.Now().UTC(),
	}
	for _, r := range resp.GetResponses() {
		uri := r.GetOutputConfig().GetGcsDestination().GetUri()
		if uri == "" {
			return nil, WrapBackendError(op, ErrMalformedResult, "response has no output destination")
		}
		result.Outputs = append(result.Outputs, Output{OutputURI: uri})
	}
	if len(result.Outputs) == 0 {
		return nil, WrapBackendError(op, ErrMalformedResult, "operation returned no responses")
	}

	payload, err := protojson.Marshal(resp)
	if err != nil {
		return nil, WrapBackendError(op, fmt.Errorf("%w: %v", ErrMalformedResult, err), "failed to encode operation response")
	}
	result.Payload = payload

	return result, nil
}

// JobStatus reports whether the annotation operation has finished.
func (v *VisionBackend) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	_, err := v.poll(ctx, "JobStatus", jobID)
	return statusFromPoll(err)
}

func (v *VisionBackend) poll(ctx context.Context, op, jobID string) (*visionpb.AsyncBatchAnnotateFilesResponse, error) {
	if jobID == "" {
		return nil, WrapBackendError(op, fmt.Errorf("%w: empty job id", ErrPermanent), "")
	}

	callCtx, cancel := context.WithTimeout(ctx, v.config.timeout())
	defer cancel()

	operation := v.client.AsyncBatchAnnotateFilesOperation(jobID)
	resp, err := operation.Poll(callCtx)
	if err != nil {
		if operation.Done() {
			return nil, WrapBackendError(op, fmt.Errorf("%w: %w: %v", ErrPermanent, ErrJobFailed, err), jobID)
		}
		return nil, classifyRPCError(op, err)
	}
	if !operation.Done() || resp == nil {
		return nil, WrapBackendError(op, ErrJobNotFinished, jobID)
	}
	return resp, nil
}

// Close closes the underlying Vision API client.
func (v *VisionBackend) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
