package webserver_test

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/jobs"
	"github.com/zsprackett/jobkit/internal/webserver"
)

func TestStartSelfSignedTLS(t *testing.T) {
	dir := t.TempDir()
	mgr := jobs.NewManager(history.NewMemory(), nil, discardLogger())
	srv := webserver.New(mgr, nil, webserver.Config{
		Host: "127.0.0.1",
		Port: 0,
		TLS:  config.TLSConfig{Mode: "self-signed", CacheDir: dir},
	}, discardLogger())
	addr, err := srv.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	for _, name := range []string{"self-signed.crt", "self-signed.key"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + addr + "/status.json")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStartRejectsMissingCertificate(t *testing.T) {
	mgr := jobs.NewManager(history.NewMemory(), nil, discardLogger())
	srv := webserver.New(mgr, nil, webserver.Config{
		Host: "127.0.0.1",
		TLS:  config.TLSConfig{Mode: "manual", CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"},
	}, discardLogger())
	if _, err := srv.Start(); err == nil {
		t.Fatal("expected an error for a missing certificate")
	}
}
