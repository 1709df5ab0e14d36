package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"dwarf-go/internal/dwarf"
)

// Images is the image controller the image and compute APIs serve.
type Images interface {
	List(ctx context.Context) ([]dwarf.Record, error)
	Show(ctx context.Context, id string) (dwarf.Record, error)
	Create(ctx context.Context, meta dwarf.Record) (dwarf.Record, error)
	Upload(ctx context.Context, id string, r io.Reader) (dwarf.Record, error)
	Update(ctx context.Context, id string, fields dwarf.Record) (dwarf.Record, error)
	Delete(ctx context.Context, id string) error
}

// imageMetaColumns are the image columns clients may set.
var imageMetaColumns = []string{
	dwarf.ColID, "name", "disk_format", "container_format", "min_disk", "min_ram",
	"owner", "protected", "visibility",
}

var imageSchema = map[string]any{
	"name": "image",
	"properties": map[string]any{
		"container_format": map[string]any{},
		"disk_format":      map[string]any{},
		"min_disk":         map[string]any{},
		"min_ram":          map[string]any{},
		"name":             map[string]any{},
		"owner":            map[string]any{},
		"protected":        map[string]any{},
		"visibility":       map[string]any{},
	},
}

// ImageAPI serves the v2 image endpoints.
type ImageAPI struct {
	images    Images
	endpoints Endpoints
	rs        responder
}

func NewImageAPI(images Images, endpoints Endpoints, logger dwarf.Logger) *ImageAPI {
	return &ImageAPI{
		images:    images,
		endpoints: endpoints,
		rs:        responder{logger: logger.With("component", "image-api")},
	}
}

// Router returns the image routes.
func (a *ImageAPI) Router() *mux.Router {
	r := newRouter("image", a.rs.logger)
	r.HandleFunc("/", a.listVersions(http.StatusMultipleChoices)).Methods(http.MethodGet)
	r.HandleFunc("/versions", a.listVersions(http.StatusOK)).Methods(http.MethodGet)

	r.HandleFunc("/v2/images", a.list).Methods(http.MethodGet)
	r.HandleFunc("/v2/images", a.create).Methods(http.MethodPost)
	r.HandleFunc("/v2/images/{id}", a.show).Methods(http.MethodGet)
	r.HandleFunc("/v2/images/{id}", a.update).Methods(http.MethodPatch)
	r.HandleFunc("/v2/images/{id}", a.delete).Methods(http.MethodDelete)
	r.HandleFunc("/v2/images/{id}/file", a.upload).Methods(http.MethodPut)

	r.HandleFunc("/v2/schemas/image", a.schema).Methods(http.MethodGet)
	r.HandleFunc("/v2/schemas/metadefs/{metadef}", a.metadefs).Methods(http.MethodGet)
	return r
}

func (a *ImageAPI) listVersions(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.rs.json(w, code, map[string]any{"versions": []any{map[string]any{
			"id":      "v2",
			"links":   selfLinks(a.endpoints.image() + "/v2/"),
			"status":  "CURRENT",
			"updated": "2016-05-11T00:00:00Z",
		}}})
	}
}

func imageView(row dwarf.Record) map[string]any {
	v := make(map[string]any, 15)
	for _, col := range []string{
		"checksum", "container_format", dwarf.ColCreatedAt, "disk_format", "file", dwarf.ColID,
		"min_disk", "min_ram", "name", "owner", "protected", "size", "status", dwarf.ColUpdatedAt,
		"visibility",
	} {
		v[col] = row[col]
	}
	return v
}

func (a *ImageAPI) list(w http.ResponseWriter, r *http.Request) {
	rows, err := a.images.List(r.Context())
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = imageView(row)
	}
	a.rs.json(w, http.StatusOK, map[string]any{"images": out})
}

func (a *ImageAPI) show(w http.ResponseWriter, r *http.Request) {
	row, err := a.images.Show(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusOK, imageView(row))
}

func (a *ImageAPI) create(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decode(r, &body); err != nil {
		a.rs.error(w, r, err)
		return
	}
	row, err := a.images.Create(r.Context(), metaFields(body))
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusCreated, imageView(row))
}

// update accepts either a JSON object of new values or a list of JSON patch
// operations on top-level paths.
func (a *ImageAPI) update(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		a.rs.error(w, r, fmt.Errorf("reading request body: %w", err))
		return
	}

	var fields dwarf.Record
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		fields, err = patchFields(trimmed)
	} else {
		var body map[string]any
		if err = json.Unmarshal(data, &body); err != nil {
			err = dwarf.Failure(http.StatusBadRequest, "request body is not valid JSON: %v", err)
		}
		fields = metaFields(body)
		delete(fields, dwarf.ColID)
	}
	if err != nil {
		a.rs.error(w, r, err)
		return
	}

	row, err := a.images.Update(r.Context(), mux.Vars(r)["id"], fields)
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusOK, imageView(row))
}

func (a *ImageAPI) delete(w http.ResponseWriter, r *http.Request) {
	if err := a.images.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.rs.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ImageAPI) upload(w http.ResponseWriter, r *http.Request) {
	if _, err := a.images.Upload(r.Context(), mux.Vars(r)["id"], r.Body); err != nil {
		a.rs.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ImageAPI) schema(w http.ResponseWriter, r *http.Request) {
	a.rs.json(w, http.StatusOK, imageSchema)
}

func (a *ImageAPI) metadefs(w http.ResponseWriter, r *http.Request) {
	a.rs.json(w, http.StatusOK, []any{})
}

// metaFields keeps the settable image columns of body.
func metaFields(body map[string]any) dwarf.Record {
	fields := dwarf.Record{}
	for _, col := range imageMetaColumns {
		if v, ok := body[col]; ok && v != nil {
			fields[col] = stringify(v)
		}
	}
	return fields
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func patchFields(data []byte) (dwarf.Record, error) {
	var ops []patchOp
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, dwarf.Failure(http.StatusBadRequest, "request body is not a valid patch: %v", err)
	}

	fields := dwarf.Record{}
	for _, op := range ops {
		col := strings.TrimPrefix(op.Path, "/")
		if !slices.Contains(imageMetaColumns, col) || col == dwarf.ColID {
			return nil, dwarf.Failure(http.StatusForbidden, "attribute %s is read-only or unknown", col)
		}
		switch op.Op {
		case "add", "replace":
			fields[col] = stringify(op.Value)
		case "remove":
			fields[col] = ""
		default:
			return nil, dwarf.Failure(http.StatusBadRequest, "unsupported patch operation %q", op.Op)
		}
	}
	return fields, nil
}

// stringify renders a decoded JSON value in its stored text form.
func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
