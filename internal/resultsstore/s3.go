// Package resultsstore implements distworker.ResultsStore against an S3
// bucket: one object tree per task under tasks/<task_id>/, plus a
// failed-task marker per job under jobs/<job_id>/failed/<task_id> that
// lets a worker count job-wide failures without a database.
package resultsstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/distexec/worker/internal/distworker"
)

// Store implements distworker.ResultsStore backed by an S3-compatible bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store around an already-configured S3 client.
func New(client *s3.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

type statusDoc struct {
	State        string  `json:"state"`
	ResultCode   int     `json:"result_code,omitempty"`
	DurationSecs float64 `json:"duration_secs,omitempty"`
	Attempt      int     `json:"attempt"`
}

func taskPrefix(taskID string) string { return fmt.Sprintf("tasks/%s/", taskID) }

// MarkRunning writes a "running" status document before the task
// starts. It always returns Accepted: this store keeps no record of job
// cancellation, so it never reports Canceled.
func (s *Store) MarkRunning(ctx context.Context, task distworker.Task) (distworker.MarkRunningResult, error) {
	doc := statusDoc{State: "running", Attempt: task.Attempt}
	if err := s.putJSON(ctx, taskPrefix(task.TaskID)+"status.json", doc); err != nil {
		return distworker.Accepted, fmt.Errorf("mark running: %w", err)
	}
	return distworker.Accepted, nil
}

// MarkFinished writes the final status document, stdout/stderr (only
// present when the task failed, per distworker.TaskOutcome), and the
// artifact archive if one was built. If the task failed, it also writes
// a zero-byte failure marker under the job's failed/ prefix so
// CountFailedInJob can tally it with a single list call.
func (s *Store) MarkFinished(ctx context.Context, task distworker.Task, outcome distworker.TaskOutcome) error {
	prefix := taskPrefix(task.TaskID)

	doc := statusDoc{
		State:        "finished",
		ResultCode:   outcome.ResultCode,
		DurationSecs: outcome.DurationSecs,
		Attempt:      task.Attempt,
	}
	if err := s.putJSON(ctx, prefix+"status.json", doc); err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}

	if outcome.Stdout != "" {
		if err := s.putBytes(ctx, prefix+"stdout.txt", []byte(outcome.Stdout), "text/plain"); err != nil {
			return fmt.Errorf("upload stdout: %w", err)
		}
	}
	if outcome.Stderr != "" {
		if err := s.putBytes(ctx, prefix+"stderr.txt", []byte(outcome.Stderr), "text/plain"); err != nil {
			return fmt.Errorf("upload stderr: %w", err)
		}
	}
	if len(outcome.ArtifactArchive) > 0 {
		if err := s.putBytes(ctx, prefix+"artifacts.zip", outcome.ArtifactArchive, "application/zip"); err != nil {
			return fmt.Errorf("upload artifacts: %w", err)
		}
	}

	if outcome.ResultCode != 0 {
		marker := fmt.Sprintf("jobs/%s/failed/%s", task.JobID, task.TaskID)
		if err := s.putBytes(ctx, marker, nil, ""); err != nil {
			return fmt.Errorf("write failure marker: %w", err)
		}
	}

	return nil
}

// CountFailedInJob counts failure markers under a job's failed/ prefix.
func (s *Store) CountFailedInJob(ctx context.Context, jobID string) (int, error) {
	prefix := fmt.Sprintf("jobs/%s/failed/", jobID)
	count := 0
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("list failed markers for job %s: %w", jobID, err)
		}
		count += len(page.Contents)
	}
	return count, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.putBytes(ctx, key, data, "application/json")
}

func (s *Store) putBytes(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
