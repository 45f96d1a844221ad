package analysis

import (
	"context"
	"fmt"
	"os"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/encoding/protojson"

	"docpipeline/internal/logger"
)

// DocumentAIBackend implements Backend using Document AI batch processing.
type DocumentAIBackend struct {
	client *documentai.DocumentProcessorClient
	config Config
	log    zerolog.Logger
}

// NewDocumentAIBackend creates a backend with credentials from the environment.
// Expects: GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS, or application default credentials.
func NewDocumentAIBackend(ctx context.Context, config Config) (*DocumentAIBackend, error) {
	const op = "NewDocumentAIBackend"

	if config.ProjectID == "" {
		return nil, WrapBackendError(op, ErrInvalidConfiguration, "project id is required")
	}
	if config.ProcessorID == "" {
		return nil, WrapBackendError(op, ErrInvalidConfiguration, "processor id is required")
	}
	if config.OutputBucket == "" {
		return nil, WrapBackendError(op, ErrInvalidConfiguration, "output bucket is required")
	}
	if config.Location == "" {
		config.Location = "us"
	}

	// Document AI serves each multi-region from its own endpoint.
	clientOptions := []option.ClientOption{
		option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", config.Location)),
	}
	clientOptions = append(clientOptions, credentialOptions()...)

	client, err := documentai.NewDocumentProcessorClient(ctx, clientOptions...)
	if err != nil {
		if len(clientOptions) == 1 {
			return nil, WrapBackendError(op, ErrMissingCredentials, "no credentials found in environment")
		}
		return nil, WrapBackendError(op, err, fmt.Sprintf("failed to create Document AI client for location: %s", config.Location))
	}

	return NewDocumentAIBackendWithClient(config, client), nil
}

// NewDocumentAIBackendWithClient creates a backend with an explicit client (for testing).
func NewDocumentAIBackendWithClient(config Config, client *documentai.DocumentProcessorClient) *DocumentAIBackend {
	return &DocumentAIBackend{
		client: client,
		config: config,
		log:    logger.WithComponent("document-ai"),
	}
}

// StartJob starts a batch process operation for a single GCS document.
func (b *DocumentAIBackend) StartJob(ctx context.Context, src SourceRef, opts StartOptions) (string, error) {
	const op = "StartJob"

	if src.Bucket == "" || src.Key == "" {
		return "", WrapBackendError(op, fmt.Errorf("%w: %w", ErrPermanent, ErrInvalidSource), src.URI())
	}
	mimeType, err := mimeTypeFor(src.Key)
	if err != nil {
		return "", WrapBackendError(op, err, src.URI())
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.timeout())
	defer cancel()

	req := &documentaipb.BatchProcessRequest{
		Name: b.processorName(),
		InputDocuments: &documentaipb.BatchDocumentsInputConfig{
			Source: &documentaipb.BatchDocumentsInputConfig_GcsDocuments{
				GcsDocuments: &documentaipb.GcsDocuments{
					Documents: []*documentaipb.GcsDocument{
						{GcsUri: src.URI(), MimeType: mimeType},
					},
				},
			},
		},
		DocumentOutputConfig: &documentaipb.DocumentOutputConfig{
			Destination: &documentaipb.DocumentOutputConfig_GcsOutputConfig_{
				GcsOutputConfig: &documentaipb.DocumentOutputConfig_GcsOutputConfig{
					GcsUri: b.config.outputURI(opts.OutputPrefix),
				},
			},
		},
		SkipHumanReview: true,
	}

	operation, err := b.client.BatchProcessDocuments(callCtx, req)
	if err != nil {
		return "", classifyRPCError(op, err)
	}

	b.log.Info().
		Str("source", src.URI()).
		Str("operation", operation.Name()).
		Str("tag", opts.Tag).
		Msg("Document AI batch process started")

	return operation.Name(), nil
}

// GetResult polls the batch operation once and converts its metadata into a Result.
func (b *DocumentAIBackend) GetResult(ctx context.Context, jobID string) (*Result, error) {
	const op = "GetResult"

	meta, err := b.poll(ctx, op, jobID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		JobID:       jobID,
		CompletedAt: time.Now().UTC(),
	}

	var failed int
	for _, s := range meta.GetIndividualProcessStatuses() {
		out := Output{
			InputURI:  s.GetInputGcsSource(),
			OutputURI: s.GetOutputGcsDestination(),
			Code:      s.GetStatus().GetCode(),
			Message:   s.GetStatus().GetMessage(),
		}
		if out.Code != 0 {
			failed++
		}
		result.Outputs = append(result.Outputs, out)
	}

	if len(result.Outputs) == 0 {
		return nil, WrapBackendError(op, ErrMalformedResult, "operation metadata lists no documents")
	}
	if failed > 0 {
		return nil, WrapBackendError(op, ErrPartialResult, fmt.Sprintf("%d of %d documents failed", failed, len(result.Outputs)))
	}

	payload, err := protojson.Marshal(meta)
	if err != nil {
		return nil, WrapBackendError(op, fmt.Errorf("%w: %v", ErrMalformedResult, err), "failed to encode operation metadata")
	}
	result.Payload = payload

	return result, nil
}

// JobStatus reports whether the batch operation has finished.
func (b *DocumentAIBackend) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	const op = "JobStatus"

	_, err := b.poll(ctx, op, jobID)
	return statusFromPoll(err)
}

// poll fetches the latest state of the operation. It returns the metadata of a
// finished, successful operation.
func (b *DocumentAIBackend) poll(ctx context.Context, op, jobID string) (*documentaipb.BatchProcessMetadata, error) {
	if jobID == "" {
		return nil, WrapBackendError(op, fmt.Errorf("%w: empty job id", ErrPermanent), "")
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.timeout())
	defer cancel()

	operation := b.client.BatchProcessDocumentsOperation(jobID)
	if _, err := operation.Poll(callCtx); err != nil {
		if operation.Done() {
			return nil, WrapBackendError(op, fmt.Errorf("%w: %w: %v", ErrPermanent, ErrJobFailed, err), jobID)
		}
		return nil, classifyRPCError(op, err)
	}
	if !operation.Done() {
		return nil, WrapBackendError(op, ErrJobNotFinished, jobID)
	}

	meta, err := operation.Metadata()
	if err != nil {
		return nil, WrapBackendError(op, fmt.Errorf("%w: %v", ErrMalformedResult, err), "failed to decode operation metadata")
	}
	if meta == nil {
		return nil, WrapBackendError(op, ErrMalformedResult, "operation has no metadata")
	}

	switch meta.GetState() {
	case documentaipb.BatchProcessMetadata_SUCCEEDED:
		return meta, nil
	case documentaipb.BatchProcessMetadata_FAILED, documentaipb.BatchProcessMetadata_CANCELLED:
		return nil, WrapBackendError(op, fmt.Errorf("%w: %w", ErrPermanent, ErrJobFailed), meta.GetStateMessage())
	default:
		return nil, WrapBackendError(op, ErrJobNotFinished, meta.GetState().String())
	}
}

// processorName constructs the full processor name for the Document AI API.
func (b *DocumentAIBackend) processorName() string {
	if b.config.ProcessorVersion != "" {
		return fmt.Sprintf("projects/%s/locations/%s/processors/%s/processorVersions/%s",
			b.config.ProjectID, b.config.Location, b.config.ProcessorID, b.config.ProcessorVersion)
	}
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s",
		b.config.ProjectID, b.config.Location, b.config.ProcessorID)
}

// Close closes the underlying Document AI client.
func (b *DocumentAIBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// credentialOptions returns client options for credentials found in the environment.
// An empty result means application default credentials.
func credentialOptions() []option.ClientOption {
	if credJSON := os.Getenv("GOOGLE_CREDENTIALS"); credJSON != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(credJSON))}
	}
	if credFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credFile != "" {
		return []option.ClientOption{option.WithCredentialsFile(credFile)}
	}
	return nil
}
