package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &DiscordNotifier{WebhookURL: srv.URL, Client: srv.Client()}

	require.NoError(t, n.Notify(context.Background(), "PXD008644: 3 succeeded, 0 skipped, 0 failed"))
	assert.Equal(t, "PXD008644: 3 succeeded, 0 skipped, 0 failed", got["content"])
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	err = (&DiscordNotifier{}).Notify(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoWebhook)
}
