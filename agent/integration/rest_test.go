package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
)

func newTestREST(t *testing.T, handler http.HandlerFunc) *REST {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	r, err := NewREST("crm", RESTConfig{BaseURL: server.URL}, map[string]Operation{
		"createRecord": {Method: http.MethodPost, Path: "/records"},
		ProbeOperation: {Method: http.MethodGet, Path: "/health"},
	})
	if err != nil {
		t.Fatalf("NewREST() error = %v", err)
	}
	return r.WithHTTPClient(server.Client())
}

func TestRESTInvokeSuccess(t *testing.T) {
	t.Parallel()

	var gotAuth, gotIdem string
	r := newTestREST(t, func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotIdem = req.Header.Get("Idempotency-Key")
		fmt.Fprint(w, `{"id":"rec-1"}`)
	})

	cred := contractx.Credential{Token: "tok"}
	args := map[string]any{"name": "Acme", "idempotency_key": "idem-1"}
	payload, err := r.Invoke(context.Background(), "createRecord", args, cred)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if string(payload) != `{"id":"rec-1"}` {
		t.Fatalf("payload = %s", payload)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotIdem != "idem-1" {
		t.Fatalf("Idempotency-Key = %q, want idem-1", gotIdem)
	}
}

func TestRESTInvokeClassifiesStatuses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusInternalServerError, contractx.ErrTransient},
		{http.StatusBadGateway, contractx.ErrTransient},
		{http.StatusTooManyRequests, contractx.ErrTransient},
		{http.StatusUnauthorized, contractx.ErrPermanent},
		{http.StatusUnprocessableEntity, contractx.ErrPermanent},
	}
	for _, tc := range cases {
		status := tc.status
		r := newTestREST(t, func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(status)
		})
		_, err := r.Invoke(context.Background(), "createRecord", nil, contractx.Credential{})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: error = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestRESTInvokeUnknownOperation(t *testing.T) {
	t.Parallel()

	r := newTestREST(t, func(w http.ResponseWriter, req *http.Request) {})
	_, err := r.Invoke(context.Background(), "deleteEverything", nil, contractx.Credential{})
	if !errors.Is(err, contractx.ErrPermanent) {
		t.Fatalf("Invoke() error = %v, want ErrPermanent", err)
	}
}

func TestCatalogsIncludeProbe(t *testing.T) {
	t.Parallel()

	cfg := RESTConfig{BaseURL: "http://example.invalid"}
	builders := map[string]func(RESTConfig) (*REST, error){
		NameCRM:      NewCRM,
		NameCalendar: NewCalendar,
		NameEmail:    NewEmail,
		NameSocial:   NewSocial,
	}
	for name, build := range builders {
		integ, err := build(cfg)
		if err != nil {
			t.Fatalf("build %s: %v", name, err)
		}
		if integ.Name() != name {
			t.Fatalf("Name() = %s, want %s", integ.Name(), name)
		}
		if _, ok := integ.ops[ProbeOperation]; !ok {
			t.Fatalf("integration %s missing %s operation", name, ProbeOperation)
		}
	}
}
