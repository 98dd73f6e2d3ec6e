package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_NoArgsStartsServer(t *testing.T) {
	prev := startServer
	var called bool
	startServer = func() { called = true }
	defer func() { startServer = prev }()

	code := Run([]string{"aexd"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, 0, code)
	assert.True(t, called)
}

func TestRun_ServerSubcommandStartsServer(t *testing.T) {
	prev := startServer
	var called bool
	startServer = func() { called = true }
	defer func() { startServer = prev }()

	code := Run([]string{"aexd", "server"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, 0, code)
	assert.True(t, called)
}

func TestRun_FlagLikeArgStartsServer(t *testing.T) {
	prev := startServer
	var called bool
	startServer = func() { called = true }
	defer func() { startServer = prev }()

	code := Run([]string{"aexd", "--config=foo"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, 0, code)
	assert.True(t, called)
}

func TestRun_HelpPrintsUsageWithoutStartingServer(t *testing.T) {
	prev := startServer
	var called bool
	startServer = func() { called = true }
	defer func() { startServer = prev }()

	var out bytes.Buffer
	code := Run([]string{"aexd", "help"}, &out, &bytes.Buffer{})
	assert.Equal(t, 0, code)
	assert.False(t, called)
	assert.Contains(t, out.String(), "Usage: aexd")
}

func TestRun_UnknownSubcommandReturnsErrorCode(t *testing.T) {
	prev := startServer
	startServer = func() {}
	defer func() { startServer = prev }()

	var errOut bytes.Buffer
	code := Run([]string{"aexd", "bogus"}, &bytes.Buffer{}, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command")
}

func TestRunHealthCmd_ReportsOKOnHTTP200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	overrideHealthURL(t, srv.URL+"/health")

	var out bytes.Buffer
	code := runHealthCmd(&out, &bytes.Buffer{})
	assert.Equal(t, 0, code)
	assert.Contains(t, strings.TrimSpace(out.String()), "OK")
}

func TestRunHealthCmd_ReportsFailureOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	overrideHealthURL(t, srv.URL+"/health")

	var errOut bytes.Buffer
	code := runHealthCmd(&bytes.Buffer{}, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "status 503")
}

func overrideHealthURL(t *testing.T, url string) {
	t.Helper()
	prev := healthCheckURL
	healthCheckURL = url
	t.Cleanup(func() { healthCheckURL = prev })
}
