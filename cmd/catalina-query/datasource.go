package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/hcfw/catalina/query"
)

// fileDataSource resolves each resource name to "<dir>/<resource>.json",
// a JSON array of row objects — the simplest concrete query.DataSource a
// command-line tool can stand up without a real store behind it.
type fileDataSource struct {
	dir string
}

func (ds fileDataSource) Fetch(resource string, q *query.Query) ([]any, error) {
	path := filepath.Join(ds.dir, resource+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "catalina-query: read resource %q", resource)
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "catalina-query: decode resource %q", resource)
	}

	rows := make([]any, len(raw))
	for i, r := range raw {
		rows[i] = r
	}
	return rows, nil
}
