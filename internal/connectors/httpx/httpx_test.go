package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateURLBlocksPrivateAddresses(t *testing.T) {
	blocked := []string{
		"http://127.0.0.1/x",
		"http://10.1.2.3/",
		"http://172.16.0.1/",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/",
		"http://[fe80::1]/",
	}
	for _, u := range blocked {
		err := ValidateURL(u)
		require.Error(t, err, u)
		require.IsType(t, &SSRFError{}, err)
	}
}

func TestValidateURLRejectsSchemes(t *testing.T) {
	require.Error(t, ValidateURL("file:///etc/passwd"))
	require.Error(t, ValidateURL("ftp://example.com/"))
	require.Error(t, ValidateURL("http://"))
	require.NoError(t, ValidateURL("https://8.8.8.8/"))
}

func TestRequestAgainstLocalServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "1", r.URL.Query().Get("page"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "token", r.Header.Get("X-Auth"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(5*time.Second, true)
	res, err := c.Request(context.Background(), "post", srv.URL,
		map[string]string{"X-Auth": "token"},
		map[string]string{"page": "1"},
		map[string]any{"action": "opt_out"})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	require.Equal(t, `{"ok":true}`, res.Text)
	require.Equal(t, map[string]any{"ok": true}, res.JSON)
}

func TestRequestGuardRefusesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := New(5*time.Second, false)
	_, err := c.Request(context.Background(), "GET", srv.URL, nil, nil, nil)
	require.Error(t, err)
	require.IsType(t, &SSRFError{}, err)
}

func TestTransientStatus(t *testing.T) {
	for _, code := range []int{408, 409, 425, 429, 500, 502, 503, 504} {
		require.True(t, TransientStatus(code), code)
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404, 410, 422} {
		require.False(t, TransientStatus(code), code)
	}
}
