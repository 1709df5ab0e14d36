package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"dwarf-go/internal/dwarf"
)

// Flavors is the flavor controller the compute API serves.
type Flavors interface {
	List(ctx context.Context) ([]dwarf.Record, error)
	Show(ctx context.Context, id string) (dwarf.Record, error)
	Create(ctx context.Context, fields dwarf.Record) (dwarf.Record, error)
	Delete(ctx context.Context, id string) error
}

// Keypairs is the keypair controller the compute API serves.
type Keypairs interface {
	List(ctx context.Context) ([]dwarf.Record, error)
	Show(ctx context.Context, name string) (dwarf.Record, error)
	Create(ctx context.Context, name, publicKey string) (dwarf.Record, error)
	Delete(ctx context.Context, name string) error
}

// Servers is the server lifecycle controller the compute API serves.
type Servers interface {
	List(ctx context.Context) ([]dwarf.Record, error)
	Show(ctx context.Context, id string) (dwarf.Record, error)
	Boot(ctx context.Context, req dwarf.BootRequest) (dwarf.Record, error)
	Delete(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, hard bool) error
	Reboot(ctx context.Context, id string, hard bool) error
	ConsoleLog(ctx context.Context, id string) (string, error)
}

var (
	_ Flavors  = (*dwarf.FlavorService)(nil)
	_ Keypairs = (*dwarf.KeypairService)(nil)
	_ Servers  = (*dwarf.ServerService)(nil)
	_ Images   = (*dwarf.ImageService)(nil)
)

// ComputeAPI serves flavors, images, keypairs and servers under
// /{version}/{tenant}. The tenant is accepted and ignored.
type ComputeAPI struct {
	flavors   Flavors
	images    Images
	keypairs  Keypairs
	servers   Servers
	endpoints Endpoints
	rs        responder
}

func NewComputeAPI(flavors Flavors, images Images, keypairs Keypairs, servers Servers, endpoints Endpoints, logger dwarf.Logger) *ComputeAPI {
	logger = logger.With("component", "compute-api")
	return &ComputeAPI{
		flavors:   flavors,
		images:    images,
		keypairs:  keypairs,
		servers:   servers,
		endpoints: endpoints,
		rs:        responder{logger: logger},
	}
}

// Router returns the compute routes.
func (a *ComputeAPI) Router() *mux.Router {
	r := newRouter("compute", a.rs.logger)
	r.HandleFunc("/", a.listVersions).Methods(http.MethodGet)

	t := r.PathPrefix("/{version:v1.1|v2.0}/{tenant}").Subrouter()

	t.HandleFunc("/flavors", a.listFlavors(false)).Methods(http.MethodGet)
	t.HandleFunc("/flavors", a.createFlavor).Methods(http.MethodPost)
	t.HandleFunc("/flavors/detail", a.listFlavors(true)).Methods(http.MethodGet)
	t.HandleFunc("/flavors/{id}", a.showFlavor).Methods(http.MethodGet)
	t.HandleFunc("/flavors/{id}", a.deleteFlavor).Methods(http.MethodDelete)

	t.HandleFunc("/images", a.listImages(false)).Methods(http.MethodGet)
	t.HandleFunc("/images/detail", a.listImages(true)).Methods(http.MethodGet)
	t.HandleFunc("/images/{id}", a.showImage).Methods(http.MethodGet)

	t.HandleFunc("/os-keypairs", a.listKeypairs).Methods(http.MethodGet)
	t.HandleFunc("/os-keypairs", a.createKeypair).Methods(http.MethodPost)
	t.HandleFunc("/os-keypairs/{name}", a.showKeypair).Methods(http.MethodGet)
	t.HandleFunc("/os-keypairs/{name}", a.deleteKeypair).Methods(http.MethodDelete)

	t.HandleFunc("/servers", a.listServers(false)).Methods(http.MethodGet)
	t.HandleFunc("/servers", a.bootServer).Methods(http.MethodPost)
	t.HandleFunc("/servers/detail", a.listServers(true)).Methods(http.MethodGet)
	t.HandleFunc("/servers/{id}", a.showServer).Methods(http.MethodGet)
	t.HandleFunc("/servers/{id}", a.deleteServer).Methods(http.MethodDelete)
	t.HandleFunc("/servers/{id}/action", a.serverAction).Methods(http.MethodPost)
	return r
}

func (a *ComputeAPI) version() map[string]any {
	return map[string]any{
		"id":      "v2.0",
		"links":   selfLinks(a.endpoints.compute() + "/v2.0/"),
		"status":  "CURRENT",
		"updated": "2016-05-11T00:00:00Z",
	}
}

func (a *ComputeAPI) listVersions(w http.ResponseWriter, r *http.Request) {
	a.rs.json(w, http.StatusMultipleChoices, map[string]any{"versions": []any{a.version()}})
}

// Flavors

func flavorView(row dwarf.Record, details bool) map[string]any {
	v := map[string]any{
		"id":    row[dwarf.ColID],
		"name":  row["name"],
		"links": selfLinks(""),
	}
	if details {
		v["disk"] = row["disk"]
		v["ram"] = row["ram"]
		v["vcpus"] = row["vcpus"]
	}
	return v
}

func (a *ComputeAPI) listFlavors(details bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := a.flavors.List(r.Context())
		if err != nil {
			a.rs.error(w, r, err)
			return
		}
		out := make([]any, len(rows))
		for i, row := range rows {
			out[i] = flavorView(row, details)
		}
		a.rs.json(w, http.StatusOK, map[string]any{"flavors": out})
	}
}

func (a *ComputeAPI) showFlavor(w http.ResponseWriter, r *http.Request) {
	row, err := a.flavors.Show(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusOK, map[string]any{"flavor": flavorView(row, true)})
}

func (a *ComputeAPI) createFlavor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Flavor map[string]any `json:"flavor"`
	}
	if err := decode(r, &body); err != nil {
		a.rs.error(w, r, err)
		return
	}
	if body.Flavor == nil {
		a.rs.msg(w, http.StatusBadRequest, "flavor is required")
		return
	}

	fields := dwarf.Record{}
	for _, col := range []string{dwarf.ColID, "name", "ram", "disk", "vcpus"} {
		if v, ok := body.Flavor[col]; ok && v != nil {
			fields[col] = stringify(v)
		}
	}
	row, err := a.flavors.Create(r.Context(), fields)
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusOK, map[string]any{"flavor": flavorView(row, true)})
}

func (a *ComputeAPI) deleteFlavor(w http.ResponseWriter, r *http.Request) {
	if err := a.flavors.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.rs.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Images

func computeImageView(row dwarf.Record, details bool) map[string]any {
	v := map[string]any{
		"id":    row[dwarf.ColID],
		"name":  row["name"],
		"links": selfLinks(""),
	}
	if details {
		v["created"] = row[dwarf.ColCreatedAt]
		v["updated"] = row[dwarf.ColUpdatedAt]
		v["status"] = strings.ToUpper(row["status"])
		v["minDisk"] = row["min_disk"]
		v["minRam"] = row["min_ram"]
	}
	return v
}

func (a *ComputeAPI) listImages(details bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := a.images.List(r.Context())
		if err != nil {
			a.rs.error(w, r, err)
			return
		}
		out := make([]any, len(rows))
		for i, row := range rows {
			out[i] = computeImageView(row, details)
		}
		a.rs.json(w, http.StatusOK, map[string]any{"images": out})
	}
}

func (a *ComputeAPI) showImage(w http.ResponseWriter, r *http.Request) {
	row, err := a.images.Show(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusOK, map[string]any{"image": computeImageView(row, true)})
}

// Keypairs

func keypairView(row dwarf.Record, details bool) map[string]any {
	v := map[string]any{
		"fingerprint": row["fingerprint"],
		"name":        row["name"],
		"public_key":  row["public_key"],
	}
	if pk, ok := row["private_key"]; ok {
		v["private_key"] = pk
	}
	if details {
		v["created_at"] = row[dwarf.ColCreatedAt]
		v["deleted"] = row[dwarf.ColDeleted]
		v["deleted_at"] = row[dwarf.ColDeletedAt]
		v["updated_at"] = row[dwarf.ColUpdatedAt]
		v["id"] = row[dwarf.ColID]
	}
	return v
}

func (a *ComputeAPI) listKeypairs(w http.ResponseWriter, r *http.Request) {
	rows, err := a.keypairs.List(r.Context())
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = map[string]any{"keypair": keypairView(row, false)}
	}
	a.rs.json(w, http.StatusOK, map[string]any{"keypairs": out})
}

func (a *ComputeAPI) showKeypair(w http.ResponseWriter, r *http.Request) {
	row, err := a.keypairs.Show(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusOK, map[string]any{"keypair": keypairView(row, true)})
}

func (a *ComputeAPI) createKeypair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keypair *struct {
			Name      string `json:"name"`
			PublicKey string `json:"public_key"`
		} `json:"keypair"`
	}
	if err := decode(r, &body); err != nil {
		a.rs.error(w, r, err)
		return
	}
	if body.Keypair == nil {
		a.rs.msg(w, http.StatusBadRequest, "keypair is required")
		return
	}
	row, err := a.keypairs.Create(r.Context(), body.Keypair.Name, body.Keypair.PublicKey)
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusOK, map[string]any{"keypair": keypairView(row, false)})
}

func (a *ComputeAPI) deleteKeypair(w http.ResponseWriter, r *http.Request) {
	if err := a.keypairs.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		a.rs.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Servers

func serverView(row dwarf.Record, details bool) map[string]any {
	v := map[string]any{
		"addresses": map[string]any{
			"private": []map[string]any{{"addr": row["ip"], "version": 4}},
		},
		"config_drive": row["config_drive"],
		"flavor":       map[string]any{"id": row["flavor_id"], "links": selfLinks("")},
		"id":           row[dwarf.ColID],
		"image":        map[string]any{"id": row["image_id"], "links": selfLinks("")},
		"key_name":     row["key_name"],
		"name":         row["name"],
		"status":       row["status"],
	}
	if details {
		v["created_at"] = row[dwarf.ColCreatedAt]
		v["deleted"] = row[dwarf.ColDeleted]
		v["deleted_at"] = row[dwarf.ColDeletedAt]
		v["updated_at"] = row[dwarf.ColUpdatedAt]
	}
	return v
}

func (a *ComputeAPI) listServers(details bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := a.servers.List(r.Context())
		if err != nil {
			a.rs.error(w, r, err)
			return
		}
		out := make([]any, len(rows))
		for i, row := range rows {
			out[i] = serverView(row, details)
		}
		a.rs.json(w, http.StatusOK, map[string]any{"servers": out})
	}
}

func (a *ComputeAPI) showServer(w http.ResponseWriter, r *http.Request) {
	row, err := a.servers.Show(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusOK, map[string]any{"server": serverView(row, true)})
}

func (a *ComputeAPI) bootServer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Server *struct {
			Name        string `json:"name"`
			ImageRef    string `json:"imageRef"`
			FlavorRef   string `json:"flavorRef"`
			KeyName     string `json:"key_name"`
			ConfigDrive any    `json:"config_drive"`
		} `json:"server"`
	}
	if err := decode(r, &body); err != nil {
		a.rs.error(w, r, err)
		return
	}
	if body.Server == nil {
		a.rs.msg(w, http.StatusBadRequest, "server is required")
		return
	}

	s := body.Server
	row, err := a.servers.Boot(r.Context(), dwarf.BootRequest{
		Name:        s.Name,
		ImageID:     s.ImageRef,
		FlavorID:    s.FlavorRef,
		KeyName:     s.KeyName,
		ConfigDrive: s.ConfigDrive != nil && dwarf.ParseBool(stringify(s.ConfigDrive)),
	})
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusAccepted, map[string]any{"server": serverView(row, true)})
}

func (a *ComputeAPI) deleteServer(w http.ResponseWriter, r *http.Request) {
	if err := a.servers.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.rs.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serverAction dispatches on the single key of the action body.
func (a *ComputeAPI) serverAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body map[string]any
	if err := decode(r, &body); err != nil {
		a.rs.error(w, r, err)
		return
	}

	ctx := r.Context()
	var err error
	switch {
	case has(body, "os-getConsoleOutput"):
		var out string
		if out, err = a.servers.ConsoleLog(ctx, id); err == nil {
			a.rs.json(w, http.StatusOK, map[string]any{"output": out})
			return
		}
	case has(body, "os-start"):
		err = a.servers.Start(ctx, id)
	case has(body, "os-stop"):
		err = a.servers.Stop(ctx, id, false)
	case has(body, "reboot"):
		hard := false
		if opts, ok := body["reboot"].(map[string]any); ok {
			typ, _ := opts["type"].(string)
			hard = strings.EqualFold(typ, "hard")
		}
		err = a.servers.Reboot(ctx, id, hard)
	default:
		err = dwarf.Failure(http.StatusBadRequest, "There is no such action")
	}
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func has(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
