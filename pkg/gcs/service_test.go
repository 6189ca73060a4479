package gcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	bucket, object, err := parseURI("gs://recordings/AC1/CA1.wav")
	require.NoError(t, err)
	assert.Equal(t, "recordings", bucket)
	assert.Equal(t, "AC1/CA1.wav", object)

	for _, bad := range []string{"https://x/y", "gs://bucket", "gs://bucket/", "gs:///obj"} {
		_, _, err := parseURI(bad)
		assert.Error(t, err, bad)
	}
}
