package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"dwarf-go/internal/dwarf"
)

// Fixed identity returned to every client.
const (
	TokenID    = "0011223344556677"
	TokenTTL   = "2100-01-01T00:00:00-00:00"
	TenantID   = "1000"
	TenantName = "dwarf-tenant"
	UserID     = "1000"
	UserName   = "dwarf-user"
	Region     = "dwarf-region"
)

// IdentityAPI is a stub token service. Any credentials are accepted and the
// service catalog points at the local compute and image endpoints.
type IdentityAPI struct {
	endpoints Endpoints
	rs        responder
}

func NewIdentityAPI(endpoints Endpoints, logger dwarf.Logger) *IdentityAPI {
	return &IdentityAPI{
		endpoints: endpoints,
		rs:        responder{logger: logger.With("component", "identity-api")},
	}
}

// Router returns the identity routes.
func (a *IdentityAPI) Router() *mux.Router {
	r := newRouter("identity", a.rs.logger)
	r.HandleFunc("/", a.listVersions).Methods(http.MethodGet)
	r.HandleFunc("/v2.0", a.showVersion).Methods(http.MethodGet)
	r.HandleFunc("/v2.0/tokens", a.tokens).Methods(http.MethodPost)
	return r
}

func (a *IdentityAPI) version() map[string]any {
	return map[string]any{
		"id":    "v2.0",
		"links": selfLinks(a.endpoints.identity() + "/v2.0/"),
		"media-types": []map[string]string{{
			"base": "application/json",
			"type": "application/vnd.openstack.identity-v2.0+json",
		}},
		"status":  "stable",
		"updated": "2014-04-17T00:00:00Z",
	}
}

func (a *IdentityAPI) listVersions(w http.ResponseWriter, r *http.Request) {
	a.rs.json(w, http.StatusMultipleChoices, map[string]any{
		"versions": map[string]any{"values": []any{a.version()}},
	})
}

func (a *IdentityAPI) showVersion(w http.ResponseWriter, r *http.Request) {
	a.rs.json(w, http.StatusOK, map[string]any{"version": a.version()})
}

func (a *IdentityAPI) tokens(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decode(r, &body); err != nil {
		a.rs.error(w, r, err)
		return
	}
	if _, ok := body["auth"]; !ok {
		a.rs.msg(w, http.StatusBadRequest, "auth is required")
		return
	}

	a.rs.json(w, http.StatusOK, map[string]any{"access": map[string]any{
		"token": map[string]any{
			"id":      TokenID,
			"expires": TokenTTL,
			"tenant":  map[string]string{"id": TenantID, "name": TenantName},
		},
		"user": map[string]any{
			"id":    UserID,
			"name":  UserName,
			"roles": []any{},
		},
		"serviceCatalog": []any{
			catalogEntry("Compute", "compute", a.endpoints.compute()+"/v2.0"),
			catalogEntry("Image", "image", a.endpoints.image()),
			catalogEntry("Identity", "identity", a.endpoints.identity()+"/v2.0"),
		},
	}})
}

func catalogEntry(name, typ, url string) map[string]any {
	return map[string]any{
		"name": name,
		"type": typ,
		"endpoints": []map[string]string{{
			"publicURL": url,
			"region":    Region,
		}},
	}
}
