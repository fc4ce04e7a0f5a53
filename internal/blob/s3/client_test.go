package s3blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	assert.Error(t, err)

	_, err = New(context.Background(), ClientConfig{Bucket: "archives"})
	assert.Error(t, err)
}

func TestWithScheme(t *testing.T) {
	cases := map[string]struct {
		endpoint string
		useSSL   bool
		want     string
	}{
		"bare host gets http":   {"localhost:9000", false, "http://localhost:9000"},
		"bare host gets https":  {"minio.internal", true, "https://minio.internal"},
		"scheme passes through": {"https://s3.example.com", false, "https://s3.example.com"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, withScheme(tc.endpoint, tc.useSSL))
		})
	}
}
