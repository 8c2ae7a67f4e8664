package api

import (
	"context"
	"fmt"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
)

// GetRunnableJobsForComputeClient returns the jobs the server considers runnable on this compute
// client, and the jobs it believes are already running there
func (c *Client) GetRunnableJobsForComputeClient(ctx context.Context, computeClientID, computeClientPrivateKey, jobID string, singleJob bool) ([]types.DendroJob, []types.DendroJob, error) {
	req := types.GetRunnableJobsForComputeClientRequest{
		Type:            types.RequestGetRunnableJobsForComputeClient + "Request",
		ComputeClientID: computeClientID,
		JobID:           jobID,
		SingleJob:       singleJob,
	}
	var resp types.GetRunnableJobsForComputeClientResponse
	if err := c.Post(ctx, types.RequestGetRunnableJobsForComputeClient, req, computeClientPrivateKey, &resp); err != nil {
		return nil, nil, err
	}
	return resp.RunnableJobs, resp.RunningJobs, nil
}

// SetJobStatus reports a status change for a job, authenticated with the job's private key.
// An empty errMsg is omitted from the request.
func (c *Client) SetJobStatus(ctx context.Context, jobID, jobPrivateKey, computeClientID string, status types.JobStatus, errMsg string) error {
	req := types.SetJobStatusRequest{
		Type:            types.RequestSetJobStatus + "Request",
		JobID:           jobID,
		ComputeClientID: computeClientID,
		Status:          status,
		Error:           errMsg,
	}
	return c.Post(ctx, types.RequestSetJobStatus, req, jobPrivateKey, nil)
}

// GetJob fetches a job without its private key. A nil job with a nil error means the server does
// not know the job (for example because it was deleted).
func (c *Client) GetJob(ctx context.Context, jobID string) (*types.DendroJob, error) {
	req := types.GetJobRequest{
		Type:              types.RequestGetJob + "Request",
		JobID:             jobID,
		IncludePrivateKey: false,
	}
	var resp types.GetJobResponse
	if err := c.Post(ctx, types.RequestGetJob, req, "", &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (c *Client) GetPubsubSubscription(ctx context.Context, computeClientID, computeClientPrivateKey string) (*types.PubsubSubscription, error) {
	req := types.GetPubsubSubscriptionRequest{
		Type:            types.RequestGetPubsubSubscription + "Request",
		ComputeClientID: computeClientID,
	}
	var resp types.GetPubsubSubscriptionResponse
	if err := c.Post(ctx, types.RequestGetPubsubSubscription, req, computeClientPrivateKey, &resp); err != nil {
		return nil, err
	}
	return &resp.Subscription, nil
}

func (c *Client) GetServiceApp(ctx context.Context, serviceName, appName string) (*types.ServiceApp, error) {
	req := types.GetServiceAppRequest{
		Type:        types.RequestGetServiceApp + "Request",
		ServiceName: serviceName,
		AppName:     appName,
	}
	var resp types.GetServiceAppResponse
	if err := c.Post(ctx, types.RequestGetServiceApp, req, "", &resp); err != nil {
		return nil, err
	}
	return &resp.ServiceApp, nil
}

// GetSignedUploadURL asks for an upload target sized for req.Size. The response carries either a
// single signed URL or a multipart plan; anything else is ErrUnexpectedResponse.
func (c *Client) GetSignedUploadURL(ctx context.Context, jobPrivateKey string, req types.GetSignedUploadURLRequest) (*types.GetSignedUploadURLResponse, error) {
	req.Type = types.RequestGetSignedUploadURL + "Request"
	var resp types.GetSignedUploadURLResponse
	if err := c.Post(ctx, types.RequestGetSignedUploadURL, req, jobPrivateKey, &resp); err != nil {
		return nil, err
	}

	if resp.SignedURL == "" {
		if len(resp.Parts) == 0 {
			return nil, fmt.Errorf("%w for getSignedUploadUrlRequest: missing signedUrl and parts fields", ErrUnexpectedResponse)
		}
		if resp.UploadID == "" {
			return nil, fmt.Errorf("%w for getSignedUploadUrlRequest: missing uploadId field", ErrUnexpectedResponse)
		}
	}
	return &resp, nil
}

func (c *Client) FinalizeMultipartUpload(ctx context.Context, jobPrivateKey string, req types.FinalizeMultipartUploadRequest) error {
	req.Type = types.RequestFinalizeMultipartUpload + "Request"
	return c.Post(ctx, types.RequestFinalizeMultipartUpload, req, jobPrivateKey, nil)
}

func (c *Client) CancelMultipartUpload(ctx context.Context, jobPrivateKey string, req types.CancelMultipartUploadRequest) error {
	req.Type = types.RequestCancelMultipartUpload + "Request"
	return c.Post(ctx, types.RequestCancelMultipartUpload, req, jobPrivateKey, nil)
}

func (c *Client) SetOutputFileURL(ctx context.Context, jobID, jobPrivateKey, outputName, url string) error {
	req := types.SetOutputFileURLRequest{
		Type:       types.RequestSetOutputFileURL + "Request",
		JobID:      jobID,
		OutputName: outputName,
		URL:        url,
	}
	return c.Post(ctx, types.RequestSetOutputFileURL, req, jobPrivateKey, nil)
}

// CreateJob submits a job definition with a user API key
func (c *Client) CreateJob(ctx context.Context, userAPIKey string, req types.CreateJobRequest) (*types.DendroJob, error) {
	req.Type = types.RequestCreateJob + "Request"
	var resp types.CreateJobResponse
	if err := c.Post(ctx, types.RequestCreateJob, req, userAPIKey, &resp); err != nil {
		return nil, err
	}
	return &resp.Job, nil
}
