package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiblancher/autosign-pki/internal/api/dto"
	"github.com/remiblancher/autosign-pki/internal/ca"
	"github.com/remiblancher/autosign-pki/internal/toolchain"
)

func newTestClient(url string) *Client {
	return New(url,
		WithMaxTries(3),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }),
	)
}

func TestU_Client_Enroll(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/token/{fqdn}", func(w http.ResponseWriter, req *http.Request) {
		var body dto.TokenRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		if body.Token != "proof" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		cfg := &Config{API: APIConfig{URL: "http://pki.example.com:4392", Token: "t0k3n"}, FQDN: chi.URLParam(req, "fqdn")}
		data, err := cfg.Marshal()
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(data)
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	c := newTestClient(ts.URL)
	cfg, err := c.Enroll(context.Background(), "host.example.com", "proof")
	require.NoError(t, err)
	assert.Equal(t, "host.example.com", cfg.FQDN)
	assert.Equal(t, "t0k3n", cfg.API.Token)

	_, err = c.Enroll(context.Background(), "host.example.com", "wrong")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestU_Client_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req dto.SignRequest
		_ = json.Unmarshal(body, &req)
		_, _ = w.Write([]byte("CERT for " + req.FQDN))
	}))
	defer ts.Close()

	crt, err := newTestClient(ts.URL).RequestCertificate(context.Background(), "host.example.com", "tok", []byte("csr"))
	require.NoError(t, err)
	assert.Equal(t, "CERT for host.example.com", string(crt))
	assert.Equal(t, int32(3), calls.Load())
}

func TestU_Client_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Bundle(context.Background(), "root")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.Equal(t, int32(3), calls.Load())
}

func TestU_Client_ClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).RevokeCertificate(context.Background(), "host.example.com", "tok", []byte("crt"))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestU_Client_Revoke(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		_ = json.NewEncoder(w).Encode(dto.RevokeResponse{Revoked: true, FQDN: "host.example.com"})
	}))
	defer ts.Close()

	resp, err := newTestClient(ts.URL).RevokeCertificate(context.Background(), "host.example.com", "tok", []byte("crt"))
	require.NoError(t, err)
	assert.True(t, resp.Revoked)
}

func TestU_Config_RoundTrip(t *testing.T) {
	cfg := &Config{
		API:     APIConfig{URL: "http://pki.example.com:4392", Token: "abc"},
		FQDN:    "host.example.com",
		Subject: ca.Subject{Country: "NL", Unit: "Autosign"},
	}
	path := t.TempDir() + "/client.yml"
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = ParseConfig([]byte("fqdn: host.example.com\n"))
	assert.Error(t, err)
}

func TestU_GenerateRequest(t *testing.T) {
	subject := ca.Subject{Country: "NL", Organization: "Example", Unit: "Autosign"}
	keyPEM, csrPEM, err := GenerateRequest("host.example.com", subject, 1024)
	require.NoError(t, err)
	assert.Contains(t, string(keyPEM), "PRIVATE KEY")

	csr, err := toolchain.DecodeCSR(csrPEM)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	assert.Equal(t, "host.example.com", csr.Subject.CommonName)
	assert.Equal(t, []string{"Autosign"}, csr.Subject.OrganizationalUnit)
	assert.Empty(t, csr.Subject.Locality)
	assert.Equal(t, []string{"host.example.com", "host"}, csr.DNSNames)
}
