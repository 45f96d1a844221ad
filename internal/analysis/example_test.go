package analysis_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"docpipeline/internal/analysis"
)

// Example demonstrates starting a Document AI job and collecting its result.
func Example() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg := analysis.DefaultConfig()
	cfg.ProjectID = "my-project"
	cfg.ProcessorID = "abc123"
	cfg.OutputBucket = "my-output-bucket"

	// Credentials are read from GOOGLE_CREDENTIALS or GOOGLE_APPLICATION_CREDENTIALS
	backend, err := analysis.NewDocumentAIBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create backend: %v", err)
	}
	defer backend.Close()

	jobID, err := backend.StartJob(ctx, analysis.SourceRef{Bucket: "uploads", Key: "invoice.pdf"}, analysis.StartOptions{})
	if err != nil {
		log.Fatalf("Failed to start job: %v", err)
	}

	for {
		result, err := backend.GetResult(ctx, jobID)
		if errors.Is(err, analysis.ErrJobNotFinished) {
			time.Sleep(5 * time.Second)
			continue
		}
		if err != nil {
			log.Fatalf("Job failed: %v", err)
		}
		for _, out := range result.Outputs {
			fmt.Printf("%s -> %s\n", out.InputURI, out.OutputURI)
		}
		return
	}
}

// ExampleNewLazy demonstrates a process-scoped backend created on first use.
func ExampleNewLazy() {
	cfg := analysis.DefaultConfig()
	cfg.ProjectID = "my-project"
	cfg.OutputBucket = "my-output-bucket"

	backend := analysis.NewLazy(func(ctx context.Context) (analysis.Backend, error) {
		return analysis.NewVisionBackend(ctx, cfg)
	})
	defer backend.Close()

	status, err := backend.JobStatus(context.Background(), "projects/my-project/operations/123")
	if err != nil {
		log.Printf("Status check failed: %v", err)
		return
	}
	fmt.Println(status)
}
