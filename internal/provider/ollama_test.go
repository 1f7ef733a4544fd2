package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOllamaRootURLStripsV1Suffix(t *testing.T) {
	assert.Equal(t, "http://localhost:11434", ollamaRootURL("http://localhost:11434/v1"))
	assert.Equal(t, "http://localhost:11434", ollamaRootURL("http://localhost:11434"))
}

func TestOllamaIsAvailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := NewOllamaProvider("", server.URL+"/v1", server.Client())
	assert.True(t, p.IsAvailable(context.Background()))
	assert.Equal(t, "ollama", p.Name())
}

func TestOllamaUnavailableWhenServerDown(t *testing.T) {
	p := NewOllamaProvider("", "http://127.0.0.1:1/v1", http.DefaultClient)
	assert.False(t, p.IsAvailable(context.Background()))
}
