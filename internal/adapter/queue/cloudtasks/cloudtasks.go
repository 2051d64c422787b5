// Package cloudtasks dispatches process tasks through a Cloud Tasks queue
// that posts back to the service's task endpoint.
package cloudtasks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	tasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fairyhunter13/invoice-extractor/internal/adapter/observability"
	"github.com/fairyhunter13/invoice-extractor/internal/config"
	"github.com/fairyhunter13/invoice-extractor/internal/domain"
)

// nameBucket coarsens the dispatch time that goes into the task name.
// Cloud Tasks deduplicates names for about an hour after completion, so a
// raw job id would block manual retries; a 5 minute bucket still collapses
// duplicate submissions of the same job.
const nameBucket = 5 * time.Minute

// Dispatcher implements domain.TaskDispatcher on a Cloud Tasks queue.
type Dispatcher struct {
	api       *tasks.Client
	queuePath string
	targetURL string
	saEmail   string
	audience  string
	now       func() time.Time
}

func New(ctx domain.Context, cfg config.Config, opts ...option.ClientOption) (*Dispatcher, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("op=cloudtasks.new: GCP_PROJECT_ID missing")
	}
	if cfg.TasksTargetURL == "" {
		return nil, fmt.Errorf("op=cloudtasks.new: TASKS_TARGET_URL missing")
	}
	api, err := tasks.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("op=cloudtasks.new: %w", err)
	}
	audience := cfg.TaskAuthAudience
	if audience == "" {
		audience = cfg.TasksTargetURL
	}
	return &Dispatcher{
		api:       api,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", cfg.GCPProjectID, cfg.GCPRegion, cfg.TasksQueue),
		targetURL: cfg.TasksTargetURL,
		saEmail:   cfg.TasksServiceAccount,
		audience:  audience,
		now:       time.Now,
	}, nil
}

func (d *Dispatcher) Dispatch(ctx domain.Context, task domain.ProcessTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("op=cloudtasks.dispatch: marshal: %w", err)
	}
	req := d.buildRequest(task, body)
	if _, err := d.api.CreateTask(ctx, req); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			slog.Info("task already queued", slog.String("job_id", task.JobID))
			return nil
		}
		return fmt.Errorf("op=cloudtasks.dispatch: %w", err)
	}
	observability.EnqueueJob()
	return nil
}

func (d *Dispatcher) buildRequest(task domain.ProcessTask, body []byte) *taskspb.CreateTaskRequest {
	httpReq := &taskspb.HttpRequest{
		HttpMethod: taskspb.HttpMethod_POST,
		Url:        d.targetURL,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
	if d.saEmail != "" {
		httpReq.AuthorizationHeader = &taskspb.HttpRequest_OidcToken{
			OidcToken: &taskspb.OidcToken{
				ServiceAccountEmail: d.saEmail,
				Audience:            d.audience,
			},
		}
	}
	return &taskspb.CreateTaskRequest{
		Parent: d.queuePath,
		Task: &taskspb.Task{
			Name: d.taskName(task.JobID),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: httpReq,
			},
		},
	}
}

func (d *Dispatcher) taskName(jobID string) string {
	bucket := d.now().Unix() / int64(nameBucket.Seconds())
	return fmt.Sprintf("%s/tasks/%s-%d", d.queuePath, jobID, bucket)
}

func (d *Dispatcher) Close() error {
	return d.api.Close()
}
