package dwarf

import (
	"strings"
	"time"
)

// Persisted boolean values.
const (
	True  = "True"
	False = "False"
)

// TimeFormat is the layout of created_at, updated_at and deleted_at. Values
// are always UTC.
const TimeFormat = "2006-01-02 15:04:05"

// Reserved columns present on every table.
const (
	ColID        = "id"
	ColIntID     = "int_id"
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColDeletedAt = "deleted_at"
	ColDeleted   = "deleted"
)

// ReservedColumns lists the reserved columns in storage order.
var ReservedColumns = []string{ColCreatedAt, ColUpdatedAt, ColDeletedAt, ColDeleted, ColID, ColIntID}

// Record is one table row: column name to string value.
type Record map[string]string

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Bool interprets column key as a persisted boolean.
func (r Record) Bool(key string) bool {
	return ParseBool(r[key])
}

// ParseBool accepts 1, yes, true and on (any case) as true. Everything else,
// including the empty string, is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "yes", "true", "on":
		return true
	}
	return false
}

// FormatBool renders b in its persisted form.
func FormatBool(b bool) string {
	if b {
		return True
	}
	return False
}

// FormatTime renders t in the persisted timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a persisted timestamp. The zero time is returned for
// empty input.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(TimeFormat, s, time.UTC)
}

// Lookup selects a row by id, name or ip. The first non-empty key wins, in
// that order.
type Lookup struct {
	ID   string
	Name string
	IP   string
}

func ByID(id string) Lookup     { return Lookup{ID: id} }
func ByName(name string) Lookup { return Lookup{Name: name} }
func ByIP(ip string) Lookup     { return Lookup{IP: ip} }

// Key returns the column and value that the lookup resolves to. ok is false
// when every key is empty.
func (l Lookup) Key() (column, value string, ok bool) {
	switch {
	case l.ID != "":
		return ColID, l.ID, true
	case l.Name != "":
		return "name", l.Name, true
	case l.IP != "":
		return "ip", l.IP, true
	}
	return "", "", false
}

func (l Lookup) String() string {
	_, v, _ := l.Key()
	return v
}
