package metadata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"dwarf-go/internal/dwarf"
)

// Versions are the metadata API versions guests may ask for, besides
// "latest".
var Versions = []string{
	"1.0",
	"2007-01-19",
	"2007-03-01",
	"2007-08-29",
	"2007-10-10",
	"2007-12-15",
	"2008-02-01",
	"2008-09-01",
	"2009-04-04",
}

// keyNameKey marks a directory whose listing entry is shown as
// "<key>=<value>" instead of "<key>/". It is never served itself.
const keyNameKey = "_key_name"

type tree map[string]any

// Handler answers metadata queries for the guest whose address made the
// request.
type Handler struct {
	db     dwarf.Database
	logger dwarf.Logger
}

func NewHandler(db dwarf.Database, logger dwarf.Logger) *Handler {
	return &Handler{db: db, logger: logger.With("component", "metadata")}
}

// Router returns the metadata routes.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.PathPrefix("/").Methods(http.MethodGet).HandlerFunc(h.serve)
	return r
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	h.logger.Debug("metadata request", "ip", ip, "path", r.URL.Path)

	body, err := h.Lookup(r.Context(), ip, r.URL.Path)
	if err != nil {
		code := dwarf.StatusCode(err)
		if code == http.StatusInternalServerError {
			h.logger.Error("metadata lookup failed", "ip", ip, "path", r.URL.Path, "error", err)
		}
		http.Error(w, http.StatusText(code), code)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, body)
}

// Lookup resolves path for the guest with address ip and renders the
// result.
func (h *Handler) Lookup(ctx context.Context, ip, path string) (string, error) {
	components := strings.Split(strings.Trim(path, "/"), "/")
	version := components[0]
	if version != "latest" && !supported(version) {
		return render(Versions), nil
	}

	row, err := h.db.Servers().Show(ctx, dwarf.ByIP(ip))
	if err != nil {
		return "", err
	}
	server, err := dwarf.ServerFromRecord(row)
	if err != nil {
		return "", err
	}
	var keypair *dwarf.Keypair
	if server.KeyName != "" {
		kp, err := h.db.Keypairs().Show(ctx, dwarf.ByName(server.KeyName))
		switch {
		case err == nil:
			k := dwarf.KeypairFromRecord(kp)
			keypair = &k
		case !errors.Is(err, dwarf.ErrNotFound):
			return "", err
		}
	}

	var data any = resources(server, keypair)
	for _, c := range components[1:] {
		dir, ok := data.(tree)
		if !ok || c == keyNameKey {
			return "", dwarf.NotFound("metadata %s not found", path)
		}
		if data, ok = dir[c]; !ok {
			return "", dwarf.NotFound("metadata %s not found", path)
		}
	}
	return render(data), nil
}

func supported(version string) bool {
	for _, v := range Versions {
		if v == version {
			return true
		}
	}
	return false
}

func resources(server dwarf.Server, keypair *dwarf.Keypair) tree {
	localIP := server.IP
	if localIP == "" {
		localIP = "None"
	}
	meta := tree{
		"ami-id":            "ami-00000000",
		"ami-launch-index":  "0",
		"ami-manifest-path": "FIXME",
		"block-device-mapping": tree{
			"ami":        "vda",
			"root":       "/dev/vda",
			"ephemeral0": "/dev/vdb",
		},
		"hostname":        server.Name,
		"instance-action": "None",
		"instance-id":     server.InstanceID(),
		"instance-type":   "dwarf.small",
		"local-hostname":  server.Name,
		"local-ipv4":      localIP,
		"placement": tree{
			"availability-zone": "dwarf",
		},
		"public-hostname": "",
		"reservation-id":  "None",
		"security-groups": "default",
	}
	if keypair != nil {
		meta["public-keys"] = tree{
			"0": tree{
				keyNameKey:    keypair.Name,
				"openssh-key": keypair.PublicKey,
			},
		}
	}
	return tree{
		"meta-data": meta,
		"user-data": "",
	}
}

// render formats a metadata node. Directories list their entries one per
// line in name order, with a trailing slash on subdirectories.
func render(data any) string {
	switch v := data.(type) {
	case tree:
		keys := make([]string, 0, len(v))
		for k := range v {
			if k != keyNameKey {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		lines := make([]string, len(keys))
		for i, k := range keys {
			lines[i] = k
			if sub, ok := v[k].(tree); ok {
				if name, ok := sub[keyNameKey]; ok {
					lines[i] += "=" + fmt.Sprint(name)
				} else {
					lines[i] += "/"
				}
			}
		}
		return strings.Join(lines, "\n")
	case []string:
		return strings.Join(v, "\n")
	default:
		return fmt.Sprint(v)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
