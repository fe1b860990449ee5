package importer

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/medicalimaging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("ahi-uploader-importer")

// RetryPolicy controls the import-trigger retry loop. The production
// contract is 10 attempts with a fixed 5 second delay; tests shrink the
// delay.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy returns the production retry contract.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, Delay: 5 * time.Second}
}

// importAPI is the slice of the HealthImaging client the importer needs.
type importAPI interface {
	StartDICOMImportJob(ctx context.Context, params *medicalimaging.StartDICOMImportJobInput, optFns ...func(*medicalimaging.Options)) (*medicalimaging.StartDICOMImportJobOutput, error)
}

// Client triggers AHI DICOM import jobs, tolerating transient failures
// with a fixed-backoff retry loop.
type Client struct {
	api    importAPI
	policy RetryPolicy
	now    func() time.Time
}

// NewClient creates an importer for the given region. Credentials are
// resolved through the provider on every request, so a refresh that
// happens between retries is honored automatically.
func NewClient(creds aws.CredentialsProvider, region string, policy RetryPolicy) *Client {
	api := medicalimaging.New(medicalimaging.Options{
		Region:      region,
		Credentials: creds,
	})
	return &Client{
		api:    api,
		policy: policy,
		now:    time.Now,
	}
}

// ImportDICOMStudy asks AHI to import the uploaded files under inputURI.
// It retries on failure up to the policy ceiling with a fixed delay and
// reports whether any attempt succeeded. Each attempt uses a fresh
// timestamp-derived job name so attempts never collide.
func (c *Client) ImportDICOMStudy(ctx context.Context, inputURI, outputURI, roleARN, datastoreID string) bool {
	ctx, span := tracer.Start(ctx, "importer.import_dicom_study",
		trace.WithAttributes(
			attribute.String("input_uri", inputURI),
			attribute.String("datastore_id", datastoreID),
		),
	)
	defer span.End()

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		log.Printf("%d - Starting DICOM import job for %s", attempt, inputURI)

		if err := c.startImportJob(ctx, inputURI, outputURI, roleARN, datastoreID); err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return true
		} else {
			span.RecordError(err)
			log.Printf("Error starting DICOM import job: %v", err)
		}

		if attempt == c.policy.MaxAttempts {
			break
		}

		select {
		case <-time.After(c.policy.Delay):
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return false
		}
	}

	span.SetAttributes(attribute.Int("attempts", c.policy.MaxAttempts))
	return false
}

func (c *Client) startImportJob(ctx context.Context, inputURI, outputURI, roleARN, datastoreID string) error {
	jobName := c.jobName()

	_, err := c.api.StartDICOMImportJob(ctx, &medicalimaging.StartDICOMImportJobInput{
		ClientToken:       aws.String(uuid.NewString()),
		DataAccessRoleArn: aws.String(roleARN),
		DatastoreId:       aws.String(datastoreID),
		InputS3Uri:        aws.String(inputURI),
		OutputS3Uri:       aws.String(outputURI),
		JobName:           aws.String(jobName),
	})
	return err
}

// jobName derives the job name from the current timestamp, with the
// separators S3 dislikes stripped out.
func (c *Client) jobName() string {
	name := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	replacer := strings.NewReplacer("-", "", ":", "", ".", "")
	return replacer.Replace(name)
}
