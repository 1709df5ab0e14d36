package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dwarf-go/internal/dwarf"
)

// DatabaseAPI exposes raw table dumps and maintenance for debugging. It is
// meant to listen on the loopback interface only.
type DatabaseAPI struct {
	db dwarf.Database
	rs responder
}

func NewDatabaseAPI(db dwarf.Database, logger dwarf.Logger) *DatabaseAPI {
	return &DatabaseAPI{db: db, rs: responder{logger: logger.With("component", "database-api")}}
}

// Router returns the database routes and the metrics endpoint.
func (a *DatabaseAPI) Router() *mux.Router {
	r := newRouter("database", a.rs.logger)
	r.HandleFunc("/db", a.dumpAll).Methods(http.MethodGet)
	r.HandleFunc("/db", a.reinit).Methods(http.MethodPost)
	r.HandleFunc("/db/{table}", a.dumpTable).Methods(http.MethodGet)
	r.HandleFunc("/db/{table}/{id}", a.deleteRow).Methods(http.MethodDelete)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// table resolves the {table} route variable.
func (a *DatabaseAPI) table(r *http.Request) (dwarf.Table, error) {
	name := mux.Vars(r)["table"]
	tn, err := dwarf.ParseTableName(name)
	if err != nil {
		return nil, dwarf.Failure(http.StatusBadRequest, "Table %s does not exist", name)
	}
	return a.db.Table(tn)
}

func (a *DatabaseAPI) dumpAll(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]dwarf.Record, len(dwarf.Tables))
	for _, tn := range dwarf.Tables {
		rows, err := dump(r.Context(), a.db, tn)
		if err != nil {
			a.rs.error(w, r, err)
			return
		}
		out[string(tn)] = rows
	}
	a.rs.json(w, http.StatusOK, out)
}

func (a *DatabaseAPI) dumpTable(w http.ResponseWriter, r *http.Request) {
	t, err := a.table(r)
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	rows, err := dump(r.Context(), a.db, t.Schema().Name)
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	a.rs.json(w, http.StatusOK, map[string]any{string(t.Schema().Name): rows})
}

func (a *DatabaseAPI) deleteRow(w http.ResponseWriter, r *http.Request) {
	t, err := a.table(r)
	if err != nil {
		a.rs.error(w, r, err)
		return
	}
	if err := t.Delete(r.Context(), dwarf.ByID(mux.Vars(r)["id"])); err != nil {
		a.rs.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// reinit drops every table and initializes the schema again.
func (a *DatabaseAPI) reinit(w http.ResponseWriter, r *http.Request) {
	a.rs.logger.Info("reinitializing database")
	if err := a.db.Destroy(r.Context()); err != nil {
		a.rs.error(w, r, fmt.Errorf("destroying database: %w", err))
		return
	}
	if err := a.db.Init(r.Context()); err != nil {
		a.rs.error(w, r, fmt.Errorf("initializing database: %w", err))
		return
	}
	a.rs.json(w, http.StatusOK, map[string]string{"message": "Database initialized"})
}

func dump(ctx context.Context, db dwarf.Database, tn dwarf.TableName) ([]dwarf.Record, error) {
	t, err := db.Table(tn)
	if err != nil {
		return nil, err
	}
	rows, err := t.Dump(ctx)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []dwarf.Record{}
	}
	return rows, nil
}
