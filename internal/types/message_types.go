package types

// Request types for the job-queue API. Each request is sent as {"type": "<name>Request", ...}
// and answered with {"type": "<name>Response", ...}.
const (
	RequestGetRunnableJobsForComputeClient = "getRunnableJobsForComputeClient"
	RequestSetJobStatus                    = "setJobStatus"
	RequestGetJob                          = "getJob"
	RequestGetPubsubSubscription           = "getPubsubSubscription"
	RequestGetSignedUploadURL              = "getSignedUploadUrl"
	RequestFinalizeMultipartUpload         = "finalizeMultipartUpload"
	RequestCancelMultipartUpload           = "cancelMultipartUpload"
	RequestGetServiceApp                   = "getServiceApp"
	RequestCreateJob                       = "createJob"
	RequestSetOutputFileURL                = "setOutputFileUrl"
)

// Pubsub message kinds
const (
	PubsubMessageNewPendingJob      = "newPendingJob"
	PubsubMessageJobStatusChanged   = "jobStatusChanged"
	PubsubMessagePingComputeClients = "pingComputeClients"
)

// PubsubEnvelopeType marks envelopes that carry a message for the subscriber
const PubsubEnvelopeType = "pubsubMessage"

type GetRunnableJobsForComputeClientRequest struct {
	Type            string `json:"type"`
	ComputeClientID string `json:"computeClientId"`
	JobID           string `json:"jobId,omitempty"`
	SingleJob       bool   `json:"singleJob,omitempty"`
}

type GetRunnableJobsForComputeClientResponse struct {
	Type         string      `json:"type"`
	RunnableJobs []DendroJob `json:"runnableJobs"`
	RunningJobs  []DendroJob `json:"runningJobs"`
}

type SetJobStatusRequest struct {
	Type            string    `json:"type"`
	JobID           string    `json:"jobId"`
	ComputeClientID string    `json:"computeClientId"`
	Status          JobStatus `json:"status"`
	Error           string    `json:"error,omitempty"`
}

type SetJobStatusResponse struct {
	Type string `json:"type"`
}

type GetJobRequest struct {
	Type              string `json:"type"`
	JobID             string `json:"jobId"`
	IncludePrivateKey bool   `json:"includePrivateKey"`
	ComputeClientID   string `json:"computeClientId,omitempty"`
}

type GetJobResponse struct {
	Type string     `json:"type"`
	Job  *DendroJob `json:"job,omitempty"`
}

type GetPubsubSubscriptionRequest struct {
	Type            string `json:"type"`
	ComputeClientID string `json:"computeClientId"`
}

// PubsubSubscription carries the broker URL and the opaque subscribe handshake to send on connect
type PubsubSubscription struct {
	EphemeriPubsubURL              string                 `json:"ephemeriPubsubUrl"`
	EphemeriPubsubSubscribeRequest map[string]interface{} `json:"ephemeriPubsubSubscribeRequest"`
}

type GetPubsubSubscriptionResponse struct {
	Type         string             `json:"type"`
	Subscription PubsubSubscription `json:"subscription"`
}

type GetSignedUploadURLRequest struct {
	Type       string `json:"type"`
	JobID      string `json:"jobId"`
	UploadType string `json:"uploadType"`
	OutputName string `json:"outputName,omitempty"`
	OtherName  string `json:"otherName,omitempty"`
	Size       int64  `json:"size"`
}

type UploadPart struct {
	PartNumber int    `json:"partNumber"`
	SignedURL  string `json:"signedUrl"`
}

// GetSignedUploadURLResponse holds either SignedURL (single PUT) or Parts+UploadID (multipart)
type GetSignedUploadURLResponse struct {
	Type        string       `json:"type"`
	SignedURL   string       `json:"signedUrl,omitempty"`
	Parts       []UploadPart `json:"parts,omitempty"`
	UploadID    string       `json:"uploadId,omitempty"`
	DownloadURL string       `json:"downloadUrl"`
}

// IsMultipart reports whether the server asked for a multipart upload
func (r *GetSignedUploadURLResponse) IsMultipart() bool {
	return r.SignedURL == "" && len(r.Parts) > 0
}

type CompletedPart struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

type FinalizeMultipartUploadRequest struct {
	Type     string          `json:"type"`
	JobID    string          `json:"jobId"`
	URL      string          `json:"url"`
	Size     int64           `json:"size"`
	UploadID string          `json:"uploadId"`
	Parts    []CompletedPart `json:"parts"`
}

type CancelMultipartUploadRequest struct {
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	URL      string `json:"url"`
	UploadID string `json:"uploadId"`
}

type GetServiceAppRequest struct {
	Type        string `json:"type"`
	ServiceName string `json:"serviceName"`
	AppName     string `json:"appName"`
}

type GetServiceAppResponse struct {
	Type       string     `json:"type"`
	ServiceApp ServiceApp `json:"serviceApp"`
}

type SetOutputFileURLRequest struct {
	Type       string `json:"type"`
	JobID      string `json:"jobId"`
	OutputName string `json:"outputName"`
	URL        string `json:"url"`
}

type CreateJobRequest struct {
	Type                   string            `json:"type"`
	ServiceName            string            `json:"serviceName"`
	UserID                 string            `json:"userId"`
	BatchID                string            `json:"batchId"`
	Tags                   []string          `json:"tags"`
	JobDefinition          JobDefinition     `json:"jobDefinition"`
	RequiredResources      RequiredResources `json:"requiredResources"`
	TargetComputeClientIDs []string          `json:"targetComputeClientIds,omitempty"`
	Secrets                []JobSecret       `json:"secrets"`
	JobDependencies        []string          `json:"jobDependencies"`
	SkipCache              bool              `json:"skipCache"`
	RerunFailing           bool              `json:"rerunFailing"`
	DeleteFailing          bool              `json:"deleteFailing"`
}

type CreateJobResponse struct {
	Type string    `json:"type"`
	Job  DendroJob `json:"job"`
}

// PubsubEnvelope is a frame received from the pubsub broker
type PubsubEnvelope struct {
	Type    string        `json:"type"`
	Message PubsubMessage `json:"message"`
}

type PubsubMessage struct {
	Type             string `json:"type"`
	JobID            string `json:"jobId,omitempty"`
	Status           string `json:"status,omitempty"`
	ComputeClientID  string `json:"computeClientId,omitempty"`
	ServiceName      string `json:"serviceName,omitempty"`
	TimestampCreated int64  `json:"timestampCreated,omitempty"`
}
