package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/aixcc-finals/capi-scoring/pkg/metrics"
)

// AzureStore is an Azure Blob Storage backed Store, shared between the
// Submission API and every worker via SAS-delegated access.
type AzureStore struct {
	client    *azblob.Client
	container string
	sasTTL    time.Duration
}

// NewAzureStore wraps an already-authenticated azblob.Client.
func NewAzureStore(client *azblob.Client, container string, sasTTL time.Duration) *AzureStore {
	if sasTTL <= 0 {
		sasTTL = 2 * time.Hour
	}
	return &AzureStore{client: client, container: container, sasTTL: sasTTL}
}

func (s *AzureStore) Put(ctx context.Context, content []byte) (string, error) {
	sha := Sum256Hex(content)

	// idempotent: skip upload if the blob already exists
	if _, err := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(sha).GetProperties(ctx, nil); err == nil {
		return sha, nil
	}

	timer := metrics.NewTimer()
	_, err := s.client.UploadBuffer(ctx, s.container, sha, content, nil)
	if err != nil {
		return "", fmt.Errorf("upload artifact %s: %w", sha, err)
	}
	timer.ObserveDurationVec(metrics.ArtifactWriteDuration, "azure")
	metrics.ArtifactBytesWritten.WithLabelValues("azure").Add(float64(len(content)))
	return sha, nil
}

func (s *AzureStore) Get(ctx context.Context, sha string) ([]byte, error) {
	if err := validateKey(sha); err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, sha, nil)
	if err != nil {
		return nil, fmt.Errorf("download artifact %s: %w", sha, err)
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact stream %s: %w", sha, err)
	}
	return content, nil
}

func (s *AzureStore) Write(ctx context.Context, r io.Reader) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact stream: %w", err)
	}
	return s.Put(ctx, content)
}

func (s *AzureStore) Read(ctx context.Context, sha string, w io.Writer) error {
	content, err := s.Get(ctx, sha)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(content))
	return err
}

// SignedURL mints a read-only SAS URL valid for sasTTL, letting a worker on
// a different host pull the blob directly.
func (s *AzureStore) SignedURL(ctx context.Context, shaKey string) (string, error) {
	if err := validateKey(shaKey); err != nil {
		return "", err
	}

	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(shaKey)
	perms := sas.BlobPermissions{Read: true}
	start := time.Now().Add(-5 * time.Minute)
	expiry := time.Now().Add(s.sasTTL)

	url, err := blobClient.GetSASURL(perms, expiry, &blob.GetSASURLOptions{StartTime: &start})
	if err != nil {
		return "", fmt.Errorf("sign artifact url %s: %w", shaKey, err)
	}
	return url, nil
}
