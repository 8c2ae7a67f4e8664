package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

// --- helpers ---

func newTestClient(t *testing.T, baseURL string) (*Client, *utils.FakeClock) {
	t.Helper()
	cm := utils.NewConfigManagerFromValues(utils.Config{})
	logger := utils.NewLogsManagerWithOutput("debug", io.Discard)
	c := NewClientWithBaseURL(baseURL, cm, logger)
	clock := utils.NewFakeClock(time.Unix(1700000000, 0))
	c.SetClock(clock)
	return c, clock
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// --- Post ---

func TestPost_SendsTypedRequestWithBearer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/setJobStatus", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer job-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "setJobStatusRequest", body["type"])
		assert.Equal(t, "job-1", body["jobId"])
		assert.Equal(t, "running", body["status"])
		_, hasError := body["error"]
		assert.False(t, hasError, "empty error must be omitted")

		writeJSON(w, map[string]string{"type": "setJobStatusResponse"})
	}))
	defer ts.Close()

	c, clock := newTestClient(t, ts.URL)
	err := c.SetJobStatus(context.Background(), "job-1", "job-key", "cc-1", types.JobStatusRunning, "")
	require.NoError(t, err)
	assert.Empty(t, clock.Sleeps())
}

func TestPost_NoAuthorizationHeaderWithoutKey(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, map[string]interface{}{"type": "getJobResponse"})
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)
	job, err := c.GetJob(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPost_RetriesWithExponentialBackoff(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			http.Error(w, "temporarily broken", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"type": "setJobStatusResponse"})
	}))
	defer ts.Close()

	c, clock := newTestClient(t, ts.URL)
	err := c.SetJobStatus(context.Background(), "job-1", "k", "cc", types.JobStatusRunning, "")
	require.NoError(t, err)

	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, clock.Sleeps())
}

func TestPost_ReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c, clock := newTestClient(t, ts.URL)
	err := c.SetJobStatus(context.Background(), "job-1", "k", "cc", types.JobStatusRunning, "")
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "nope")
	assert.True(t, errors.Is(err, ErrAPIStatus))

	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	// no sleep after the final attempt
	assert.Len(t, clock.Sleeps(), 3)
}

func TestPost_UnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	c, _ := newTestClient(t, url)
	_, err := c.GetServiceApp(context.Background(), "svc", "app")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAPIUnreachable))
}

func TestPost_UnexpectedResponseTypeIsNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, map[string]string{"type": "somethingElse"})
	}))
	defer ts.Close()

	c, clock := newTestClient(t, ts.URL)
	_, _, err := c.GetRunnableJobsForComputeClient(context.Background(), "cc", "key", "", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedResponse))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, clock.Sleeps())
}

func TestPost_CanceledContextStopsRetrying(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.SetJobStatus(ctx, "job-1", "k", "cc", types.JobStatusFailed, "boom")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

// --- typed endpoints ---

func TestGetRunnableJobsForComputeClient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer cc-key", r.Header.Get("Authorization"))
		var req types.GetRunnableJobsForComputeClientRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cc-1", req.ComputeClientID)
		assert.Equal(t, "job-9", req.JobID)

		writeJSON(w, types.GetRunnableJobsForComputeClientResponse{
			Type:         "getRunnableJobsForComputeClientResponse",
			RunnableJobs: []types.DendroJob{{JobID: "job-9", Status: types.JobStatusPending}},
			RunningJobs:  []types.DendroJob{{JobID: "job-2", Status: types.JobStatusRunning}},
		})
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)
	runnable, running, err := c.GetRunnableJobsForComputeClient(context.Background(), "cc-1", "cc-key", "job-9", true)
	require.NoError(t, err)
	require.Len(t, runnable, 1)
	require.Len(t, running, 1)
	assert.Equal(t, "job-9", runnable[0].JobID)
	assert.Equal(t, types.JobStatusRunning, running[0].Status)
}

func TestGetSignedUploadURL_Validation(t *testing.T) {
	tests := []struct {
		name      string
		response  map[string]interface{}
		wantErr   bool
		multipart bool
	}{
		{
			name:     "single url",
			response: map[string]interface{}{"signedUrl": "https://bucket/put", "downloadUrl": "https://bucket/get"},
		},
		{
			name: "multipart plan",
			response: map[string]interface{}{
				"parts":       []map[string]interface{}{{"partNumber": 1, "signedUrl": "https://bucket/p1"}},
				"uploadId":    "up-1",
				"downloadUrl": "https://bucket/get",
			},
			multipart: true,
		},
		{
			name:     "neither url nor parts",
			response: map[string]interface{}{"downloadUrl": "https://bucket/get"},
			wantErr:  true,
		},
		{
			name: "parts without upload id",
			response: map[string]interface{}{
				"parts":       []map[string]interface{}{{"partNumber": 1, "signedUrl": "https://bucket/p1"}},
				"downloadUrl": "https://bucket/get",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req types.GetSignedUploadURLRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "getSignedUploadUrlRequest", req.Type)
				assert.Equal(t, types.UploadTypeOutput, req.UploadType)

				resp := map[string]interface{}{"type": "getSignedUploadUrlResponse"}
				for k, v := range tt.response {
					resp[k] = v
				}
				writeJSON(w, resp)
			}))
			defer ts.Close()

			c, _ := newTestClient(t, ts.URL)
			resp, err := c.GetSignedUploadURL(context.Background(), "job-key", types.GetSignedUploadURLRequest{
				JobID:      "job-1",
				UploadType: types.UploadTypeOutput,
				OutputName: "out",
				Size:       10,
			})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnexpectedResponse))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.multipart, resp.IsMultipart())
			assert.Equal(t, "https://bucket/get", resp.DownloadURL)
		})
	}
}

func TestCreateJob_OmitsEmptyCacheBust(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		def, ok := body["jobDefinition"].(map[string]interface{})
		require.True(t, ok)
		_, has := def["cacheBust"]
		assert.False(t, has)

		writeJSON(w, map[string]interface{}{
			"type": "createJobResponse",
			"job":  map[string]interface{}{"jobId": "new-job", "status": "pending"},
		})
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)
	job, err := c.CreateJob(context.Background(), "user-key", types.CreateJobRequest{
		ServiceName:   "svc",
		JobDefinition: types.JobDefinition{AppName: "app", ProcessorName: "proc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "new-job", job.JobID)
	assert.Equal(t, types.JobStatusPending, job.Status)
}
