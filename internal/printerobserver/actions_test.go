package printerobserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClientAgainst(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 0), srv
}

func TestPauseIssuesPauseGCode(t *testing.T) {
	var gotScript string
	c, _ := newTestClientAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		gotScript, _ = url.QueryUnescape(r.URL.Query().Get("script"))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.Pause(context.Background()))
	assert.Equal(t, "PAUSE", gotScript)
}

func TestResumeAndCancelIssueExpectedGCode(t *testing.T) {
	var scripts []string
	c, _ := newTestClientAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		s, _ := url.QueryUnescape(r.URL.Query().Get("script"))
		scripts = append(scripts, s)
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.Resume(context.Background()))
	require.NoError(t, c.Cancel(context.Background()))
	assert.Equal(t, []string{"RESUME", "CANCEL_PRINT"}, scripts)
}

func TestRunGCodeRejectsEmptyLine(t *testing.T) {
	c := New("http://printer.local", 0)
	err := c.RunGCode(context.Background(), "   ")
	assert.Error(t, err)
}

func TestSetTemperatureIssuesHotendThenBed(t *testing.T) {
	var scripts []string
	c, _ := newTestClientAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		s, _ := url.QueryUnescape(r.URL.Query().Get("script"))
		scripts = append(scripts, s)
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.SetTemperature(context.Background(), 210, 60))
	require.Len(t, scripts, 2)
	assert.Equal(t, "M104 S210.0", scripts[0])
	assert.Equal(t, "M140 S60.0", scripts[1])
}

func TestGCodeRequestSurfacesNonOKStatus(t *testing.T) {
	c, _ := newTestClientAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.Pause(context.Background())
	assert.Error(t, err)
}
