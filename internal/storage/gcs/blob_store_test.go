package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{Bucket: " "})
	require.Error(t, err)

	store, err := New(&storage.Client{}, Config{Bucket: "jobcrawler-raw"})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestURI(t *testing.T) {
	t.Parallel()

	require.Equal(t, "gs://jobcrawler-raw/raw/saramin/a.json", URI("jobcrawler-raw", "/raw/saramin/a.json"))
	require.Equal(t, "gs://jobcrawler-raw/raw/saramin/a.json", URI("jobcrawler-raw", "raw/saramin/a.json"))
}
