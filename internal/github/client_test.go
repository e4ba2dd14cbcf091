package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigured(t *testing.T) {
	assert.True(t, NewClient("", "tok", "owner/repo", "").Configured())
	assert.False(t, NewClient("", "", "owner/repo", "").Configured())
	assert.False(t, NewClient("", "tok", "not-a-repo", "").Configured())
	assert.False(t, NewClient("", "tok", "too/many/parts", "").Configured())
}

func TestGetFileSHAMissingFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok", "owner/repo", "main")
	sha, err := client.GetFileSHA(context.Background(), "backups/db.sqlite")
	require.NoError(t, err)
	assert.Empty(t, sha)
}

func TestPutFileCreates(t *testing.T) {
	var gotPut putContentsRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			assert.Equal(t, "/repos/owner/repo/contents/backups/db.sqlite", r.URL.Path)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPut))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"content":{"sha":"blob1"},"commit":{"sha":"commit1"}}`))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok", "owner/repo", "main")
	commitSHA, err := client.PutFile(context.Background(), "backups/db.sqlite", []byte("payload"), "nightly snapshot")
	require.NoError(t, err)
	assert.Equal(t, "commit1", commitSHA)
	assert.Equal(t, "nightly snapshot", gotPut.Message)
	assert.Equal(t, "main", gotPut.Branch)
	assert.Empty(t, gotPut.SHA)
	assert.NotEmpty(t, gotPut.Content)
}

func TestPutFileRetriesOnConflict(t *testing.T) {
	puts := 0
	currentSHA := "stale"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"sha":"` + currentSHA + `"}`))
		case http.MethodPut:
			puts++
			var body putContentsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body.SHA == "stale" {
				currentSHA = "fresh"
				w.WriteHeader(http.StatusConflict)
				return
			}
			_, _ = w.Write([]byte(`{"content":{"sha":"blob2"},"commit":{"sha":"commit2"}}`))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok", "owner/repo", "main")
	commitSHA, err := client.PutFile(context.Background(), "backups/db.sqlite", []byte("payload"), "")
	require.NoError(t, err)
	assert.Equal(t, "commit2", commitSHA)
	assert.Equal(t, 2, puts)
}

func TestPutFileSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Invalid request"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok", "owner/repo", "main")
	_, err := client.PutFile(context.Background(), "backups/db.sqlite", []byte("payload"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=422")
}
