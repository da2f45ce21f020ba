package gitproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/gitcdn/internal/config"
)

func serverWithAllowed(hosts ...string) *Server {
	return &Server{cfg: &config.Config{AllowedUpstreams: hosts}}
}

func TestResolveTargetInfoRefs(t *testing.T) {
	s := serverWithAllowed("github.com")
	r := httptest.NewRequest(http.MethodGet, "/github.com/acme/widgets.git/info/refs?service=git-upload-pack", nil)

	host, owner, repo, kind, err := s.resolveTarget(r)
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if host != "github.com" || owner != "acme" || repo != "widgets" || kind != KindInfo {
		t.Fatalf("got host=%q owner=%q repo=%q kind=%q", host, owner, repo, kind)
	}
}

func TestResolveTargetUploadPack(t *testing.T) {
	s := serverWithAllowed("github.com")
	r := httptest.NewRequest(http.MethodPost, "/github.com/acme/widgets/git-upload-pack", nil)

	host, owner, repo, kind, err := s.resolveTarget(r)
	if err != nil {
		t.Fatalf("resolveTarget: %v", err)
	}
	if host != "github.com" || owner != "acme" || repo != "widgets" || kind != KindPack {
		t.Fatalf("got host=%q owner=%q repo=%q kind=%q", host, owner, repo, kind)
	}
}

func TestResolveTargetRejectsDisallowedHost(t *testing.T) {
	s := serverWithAllowed("github.com")
	r := httptest.NewRequest(http.MethodGet, "/evil.example/acme/widgets/info/refs", nil)

	if _, _, _, _, err := s.resolveTarget(r); err == nil {
		t.Fatalf("expected disallowed host to be rejected")
	}
}

func TestResolveTargetRejectsUnknownEndpoint(t *testing.T) {
	s := serverWithAllowed("github.com")
	r := httptest.NewRequest(http.MethodGet, "/github.com/acme/widgets/whatever", nil)

	if _, _, _, _, err := s.resolveTarget(r); err == nil {
		t.Fatalf("expected unrecognized endpoint suffix to be rejected")
	}
}

func TestResolveTargetRejectsShortPath(t *testing.T) {
	s := serverWithAllowed("github.com")
	r := httptest.NewRequest(http.MethodGet, "/github.com/info/refs", nil)

	if _, _, _, _, err := s.resolveTarget(r); err == nil {
		t.Fatalf("expected a path missing the repo segment to be rejected")
	}
}
