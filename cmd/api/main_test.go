package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codecloud/vps-control-plane/internal/config"
)

func TestNewServer_OutlastsProvisioningTimeout(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	srv := newServer(config.Config{ListenAddr: ":9999"}, h)

	if srv.Addr != ":9999" {
		t.Fatalf("addr = %q", srv.Addr)
	}
	if srv.WriteTimeout.Minutes() <= 3 {
		t.Fatalf("write timeout %s must exceed the 3m handler timeout", srv.WriteTimeout)
	}

	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("handler not wired, got %d", rr.Code)
	}
}
