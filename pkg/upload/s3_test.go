package upload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/config"
)

func TestResolveKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		object string
		want   string
	}{
		{
			name:   "default prefix",
			prefix: "",
			object: "run-12.json",
			want:   "testoor/runs/run-12.json",
		},
		{
			name:   "custom prefix",
			prefix: "qa/archive",
			object: "run-12.json",
			want:   "qa/archive/run-12.json",
		},
		{
			name:   "slashes trimmed",
			prefix: "qa/archive/",
			object: "/run-12.json",
			want:   "qa/archive/run-12.json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &s3Uploader{
				cfg: &config.S3Config{Prefix: tt.prefix},
			}
			assert.Equal(t, tt.want, u.resolveKey(tt.object))
		})
	}
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(logrus.New(), &config.S3Config{})
	require.Error(t, err)
}

func TestS3Uploader_UploadReport(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method = r.Method
		path = r.URL.Path
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	u, err := NewS3Uploader(logrus.New(), &config.S3Config{
		Bucket:          "reports",
		EndpointURL:     srv.URL,
		ForcePathStyle:  true,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Prefix:          "archive",
	})
	require.NoError(t, err)

	require.NoError(t, u.UploadReport(context.Background(), "run-5.json", []byte(`{"ok":true}`)))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/reports/archive/run-5.json", path)
}
