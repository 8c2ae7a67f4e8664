package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Trustflow-Network-Labs/compute-client/internal/types"
	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
)

const multipartCancelTimeout = 30 * time.Second

// UploadAPI is the part of the job-queue API used to upload job files
type UploadAPI interface {
	GetSignedUploadURL(ctx context.Context, jobPrivateKey string, req types.GetSignedUploadURLRequest) (*types.GetSignedUploadURLResponse, error)
	FinalizeMultipartUpload(ctx context.Context, jobPrivateKey string, req types.FinalizeMultipartUploadRequest) error
	CancelMultipartUpload(ctx context.Context, jobPrivateKey string, req types.CancelMultipartUploadRequest) error
	SetOutputFileURL(ctx context.Context, jobID, jobPrivateKey, outputName, url string) error
}

// UploadRequest names what is being uploaded
type UploadRequest struct {
	UploadType string
	OutputName string
	OtherName  string
}

type UploadResult struct {
	DownloadURL string
	Size        int64
}

// ByteRange is a half-open [Start, End) slice of a file
type ByteRange struct {
	Start int64
	End   int64
}

// Uploader sends job files to signed storage URLs on behalf of one job
type Uploader struct {
	api           UploadAPI
	jobID         string
	jobPrivateKey string
	httpClient    *http.Client
	logger        *utils.LogsManager
}

func NewUploader(api UploadAPI, jobID, jobPrivateKey string, cm *utils.ConfigManager, logger *utils.LogsManager) *Uploader {
	return &Uploader{
		api:           api,
		jobID:         jobID,
		jobPrivateKey: jobPrivateKey,
		httpClient: &http.Client{
			Timeout: cm.GetConfigDuration("upload_timeout", 7*24*time.Hour),
		},
		logger: logger,
	}
}

// SplitRanges divides size bytes into n consecutive ranges of ceil(size/n) bytes, the last one
// possibly shorter (or empty). Concatenating the ranges reproduces [0, size).
func SplitRanges(size int64, n int) []ByteRange {
	if n <= 0 {
		return nil
	}
	partSize := (size + int64(n) - 1) / int64(n)
	ranges := make([]ByteRange, n)
	for i := 0; i < n; i++ {
		start := min(int64(i)*partSize, size)
		end := min(int64(i+1)*partSize, size)
		ranges[i] = ByteRange{Start: start, End: end}
	}
	return ranges
}

// UploadFile uploads the file at path as a single PUT or, when the server asks for it, as a
// multipart upload. A failed multipart upload is canceled before the error is returned.
func (u *Uploader) UploadFile(ctx context.Context, req UploadRequest, path string) (*UploadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()

	signed, err := u.api.GetSignedUploadURL(ctx, u.jobPrivateKey, types.GetSignedUploadURLRequest{
		JobID:      u.jobID,
		UploadType: req.UploadType,
		OutputName: req.OutputName,
		OtherName:  req.OtherName,
		Size:       size,
	})
	if err != nil {
		return nil, err
	}

	if !signed.IsMultipart() {
		if err := u.putFile(ctx, signed.SignedURL, path); err != nil {
			return nil, err
		}
		return &UploadResult{DownloadURL: signed.DownloadURL, Size: size}, nil
	}

	if err := u.uploadMultipart(ctx, signed, path, size); err != nil {
		u.logger.Warn(fmt.Sprintf("Canceling multipart upload for job %s: %v", u.jobID, err), "upload")
		// ctx may already be done; the cancel must still reach the server
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), multipartCancelTimeout)
		defer cancel()
		cancelErr := u.api.CancelMultipartUpload(cancelCtx, u.jobPrivateKey, types.CancelMultipartUploadRequest{
			JobID:    u.jobID,
			URL:      signed.DownloadURL,
			UploadID: signed.UploadID,
		})
		if cancelErr != nil {
			u.logger.Error(fmt.Sprintf("Error canceling multipart upload: %v", cancelErr), "upload")
		}
		return nil, err
	}
	return &UploadResult{DownloadURL: signed.DownloadURL, Size: size}, nil
}

func (u *Uploader) uploadMultipart(ctx context.Context, signed *types.GetSignedUploadURLResponse, path string, size int64) error {
	parts := make([]types.UploadPart, len(signed.Parts))
	copy(parts, signed.Parts)
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	ranges := SplitRanges(size, len(parts))
	completed := make([]types.CompletedPart, 0, len(parts))
	for i, part := range parts {
		if part.PartNumber != i+1 {
			return fmt.Errorf("unexpected part number %d at position %d", part.PartNumber, i+1)
		}
		u.logger.Debug(fmt.Sprintf("Uploading part %d/%d", i+1, len(parts)), "upload")

		r := ranges[i]
		etag, err := u.put(ctx, part.SignedURL, io.NewSectionReader(f, r.Start, r.End-r.Start), r.End-r.Start)
		if err != nil {
			return fmt.Errorf("part %d: %w", part.PartNumber, err)
		}
		if etag == "" {
			return fmt.Errorf("part %d: missing ETag in response", part.PartNumber)
		}
		completed = append(completed, types.CompletedPart{PartNumber: part.PartNumber, ETag: etag})
	}

	return u.api.FinalizeMultipartUpload(ctx, u.jobPrivateKey, types.FinalizeMultipartUploadRequest{
		JobID:    u.jobID,
		URL:      signed.DownloadURL,
		Size:     size,
		UploadID: signed.UploadID,
		Parts:    completed,
	})
}

func (u *Uploader) putFile(ctx context.Context, url, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = u.put(ctx, url, f, info.Size())
	return err
}

// put sends body to a signed URL and returns the ETag header
func (u *Uploader) put(ctx context.Context, url string, body io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading to bucket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("error uploading file to bucket (%d) %s: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode), string(text))
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Header.Get("ETag"), nil
}

// UploadAdditionalOutput uploads a file that is not a declared output and returns its download URL
func (u *Uploader) UploadAdditionalOutput(ctx context.Context, remoteName, path string) (string, error) {
	res, err := u.UploadFile(ctx, UploadRequest{UploadType: types.UploadTypeOther, OtherName: remoteName}, path)
	if err != nil {
		return "", err
	}
	return res.DownloadURL, nil
}

// OutputRecord is left in the job's internal folder once an output has been delivered, so the
// supervisor can check that every declared output was produced
type OutputRecord struct {
	Name        string `json:"name"`
	DownloadURL string `json:"downloadUrl"`
	Size        *int64 `json:"size,omitempty"`
	URLSet      bool   `json:"urlSet,omitempty"`
}

// OutputFile is a declared output of the running job
type OutputFile struct {
	Name                   string
	URLDeterminedAtRuntime bool
	WasUploaded            bool
	URLWasSet              bool
	Size                   *int64

	uploader   *Uploader
	recordsDir string
}

// NewOutputFile binds a declared output to an uploader. recordsDir may be empty, in which case no
// delivery record is written.
func NewOutputFile(name string, urlDeterminedAtRuntime bool, uploader *Uploader, recordsDir string) *OutputFile {
	return &OutputFile{
		Name:                   name,
		URLDeterminedAtRuntime: urlDeterminedAtRuntime,
		uploader:               uploader,
		recordsDir:             recordsDir,
	}
}

// Upload sends the local file as this output. The local copy is removed when deleteLocal is set.
func (o *OutputFile) Upload(ctx context.Context, path string, deleteLocal bool) error {
	if o.URLDeterminedAtRuntime {
		return fmt.Errorf("cannot upload output %s: its url is determined at runtime", o.Name)
	}

	o.uploader.logger.Info(fmt.Sprintf("Uploading output file %s", o.Name), "upload")
	res, err := o.uploader.UploadFile(ctx, UploadRequest{UploadType: types.UploadTypeOutput, OutputName: o.Name}, path)
	if err != nil {
		return fmt.Errorf("uploading output %s: %w", o.Name, err)
	}

	if deleteLocal {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.uploader.logger.Warn(fmt.Sprintf("Could not delete local file %s: %v", path, err), "upload")
		}
	}

	size := res.Size
	o.Size = &size
	o.WasUploaded = true
	return o.writeRecord(OutputRecord{Name: o.Name, DownloadURL: res.DownloadURL, Size: o.Size})
}

// SetURL records an externally hosted URL for an output whose location is only known at runtime
func (o *OutputFile) SetURL(ctx context.Context, url string) error {
	if !o.URLDeterminedAtRuntime {
		return fmt.Errorf("cannot set url for output %s: its url is not determined at runtime", o.Name)
	}
	u := o.uploader
	if err := u.api.SetOutputFileURL(ctx, u.jobID, u.jobPrivateKey, o.Name, url); err != nil {
		return fmt.Errorf("setting url of output %s: %w", o.Name, err)
	}
	o.URLWasSet = true
	return o.writeRecord(OutputRecord{Name: o.Name, DownloadURL: url, URLSet: true})
}

func (o *OutputFile) writeRecord(rec OutputRecord) error {
	if o.recordsDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.recordsDir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.recordsDir, o.Name+".json"), data, 0644)
}

// DeliveredOutputs lists the output names that have a delivery record in recordsDir
func DeliveredOutputs(recordsDir string) (map[string]OutputRecord, error) {
	entries, err := os.ReadDir(recordsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]OutputRecord{}, nil
		}
		return nil, err
	}

	delivered := make(map[string]OutputRecord, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(recordsDir, e.Name()))
		if err != nil {
			return nil, err
		}
		var rec OutputRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.Name(), err)
		}
		delivered[rec.Name] = rec
	}
	return delivered, nil
}
