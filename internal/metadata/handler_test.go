package metadata

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dwarf-go/internal/dwarf"
	"dwarf-go/internal/testutil"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	db := testutil.NewTestDatabase(t)
	testutil.MustCreate(t, db, dwarf.TableKeypairs, dwarf.Record{
		"name":       "laptop",
		"public_key": "ssh-rsa AAAAB3Nza laptop",
	})
	testutil.MustCreate(t, db, dwarf.TableServers, dwarf.Record{
		"name":     "web",
		"status":   dwarf.StatusActive,
		"key_name": "laptop",
		"ip":       "10.0.0.5",
	})
	testutil.MustCreate(t, db, dwarf.TableServers, dwarf.Record{
		"name":   "nokey",
		"status": dwarf.StatusActive,
		"ip":     "10.0.0.6",
	})
	return NewHandler(db, dwarf.NewNopLogger())
}

func get(t *testing.T, h http.Handler, remote, path string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote + ":51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestHandler(t *testing.T) {
	h := newTestHandler(t).Router()

	tests := []struct {
		name     string
		remote   string
		path     string
		wantCode int
		wantBody string
	}{
		{
			name:     "unknown version lists versions",
			remote:   "10.0.0.5",
			path:     "/",
			wantCode: http.StatusOK,
			wantBody: strings.Join(Versions, "\n"),
		},
		{
			name:     "version root",
			remote:   "10.0.0.5",
			path:     "/latest",
			wantCode: http.StatusOK,
			wantBody: "meta-data/\nuser-data",
		},
		{
			name:     "hostname",
			remote:   "10.0.0.5",
			path:     "/2009-04-04/meta-data/hostname",
			wantCode: http.StatusOK,
			wantBody: "web",
		},
		{
			name:     "instance id from int id",
			remote:   "10.0.0.5",
			path:     "/latest/meta-data/instance-id",
			wantCode: http.StatusOK,
			wantBody: "i-00000001",
		},
		{
			name:     "nested directory",
			remote:   "10.0.0.5",
			path:     "/latest/meta-data/placement/",
			wantCode: http.StatusOK,
			wantBody: "availability-zone",
		},
		{
			name:     "public keys show key name",
			remote:   "10.0.0.5",
			path:     "/latest/meta-data/public-keys",
			wantCode: http.StatusOK,
			wantBody: "0=laptop",
		},
		{
			name:     "openssh key",
			remote:   "10.0.0.5",
			path:     "/latest/meta-data/public-keys/0/openssh-key",
			wantCode: http.StatusOK,
			wantBody: "ssh-rsa AAAAB3Nza laptop",
		},
		{
			name:     "user data is empty",
			remote:   "10.0.0.5",
			path:     "/1.0/user-data",
			wantCode: http.StatusOK,
			wantBody: "",
		},
		{
			name:     "hidden key",
			remote:   "10.0.0.5",
			path:     "/latest/meta-data/public-keys/0/_key_name",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "unknown key",
			remote:   "10.0.0.5",
			path:     "/latest/meta-data/kernel-id",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "below a leaf",
			remote:   "10.0.0.5",
			path:     "/latest/meta-data/hostname/more",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "unknown guest",
			remote:   "10.0.0.99",
			path:     "/latest/meta-data/hostname",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "server without keypair has no public keys",
			remote:   "10.0.0.6",
			path:     "/latest/meta-data/public-keys",
			wantCode: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get(t, h, tt.remote, tt.path)
			if code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %q)", code, tt.wantCode, body)
			}
			if tt.wantCode == http.StatusOK && body != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestHandler_MetaDataListing(t *testing.T) {
	h := newTestHandler(t).Router()

	_, body := get(t, h, "10.0.0.5", "/latest/meta-data/")
	lines := strings.Split(body, "\n")
	want := map[string]bool{
		"ami-id":                true,
		"block-device-mapping/": true,
		"placement/":            true,
		"public-keys/":          true,
		"local-ipv4":            true,
	}
	found := 0
	for _, l := range lines {
		if want[l] {
			found++
		}
	}
	if found != len(want) {
		t.Errorf("listing %q misses some of %v", lines, want)
	}
	for i := 1; i < len(lines); i++ {
		if lines[i-1] > lines[i] {
			t.Errorf("listing not sorted: %q before %q", lines[i-1], lines[i])
		}
	}
}
