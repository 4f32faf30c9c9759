package safidt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTProvider_Generate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		wantToken string
		wantAuth  bool
		wantErr   bool
	}{
		{name: "success", status: http.StatusOK, body: `{"jwt":"idt-token"}`, wantToken: "idt-token"},
		{name: "rejected credentials", status: http.StatusUnauthorized, body: `{}`, wantErr: true, wantAuth: true},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantErr: true},
		{name: "empty token", status: http.StatusOK, body: `{}`, wantErr: true},
		{name: "malformed body", status: http.StatusOK, body: `{"jwt":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got generateRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/generate", r.URL.Path)
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			token, err := NewRESTProvider(srv.URL+"/", srv.Client()).Generate(context.Background(), "USER1", "TICKET", "APPL")
			assert.Equal(t, generateRequest{Username: "USER1", Pass: "TICKET", Appl: "APPL"}, got)
			if tt.wantErr {
				var idtErr *Error
				require.True(t, errors.As(err, &idtErr))
				assert.Equal(t, tt.wantAuth, idtErr.Auth)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, token)
		})
	}
}

func TestRESTProvider_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRESTProvider(url, nil).Generate(context.Background(), "USER1", "TICKET", "APPL")
	var idtErr *Error
	require.True(t, errors.As(err, &idtErr))
	assert.False(t, idtErr.Auth)
}

func TestRESTProvider_Verify(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		var in verifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(verifyResponse{Valid: in.JWT == "good"})
	}))
	defer srv.Close()

	p := NewRESTProvider(srv.URL, srv.Client())
	ok, err := p.Verify(context.Background(), "good", "APPL")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Verify(context.Background(), "bad", "APPL")
	require.NoError(t, err)
	assert.False(t, ok)
}
