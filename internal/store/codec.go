package store

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

//go:embed migrations
var migrationsFS embed.FS

type migration struct {
	name string
	sql  string
}

// loadMigrations returns the .up.sql files of a dialect sorted by name.
func loadMigrations(dialect string) ([]migration, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	out := make([]migration, 0, len(files))
	for _, f := range files {
		data, err := fs.ReadFile(migrationsFS, dir+"/"+f)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", f, err)
		}
		out = append(out, migration{name: f, sql: string(data)})
	}
	return out, nil
}

func encodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, v)
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// taskColumns holds the JSON-encoded columns of a task row.
type taskColumns struct {
	tags, deps, output, errJSON []byte
}

func encodeTask(t *workflow.Task) (taskColumns, error) {
	var c taskColumns
	var err error
	if c.tags, err = encodeJSON(t.RequiredTags); err != nil {
		return c, fmt.Errorf("encode tags of task %s: %w", t.ID, err)
	}
	if c.deps, err = encodeJSON(t.DependsOn); err != nil {
		return c, fmt.Errorf("encode deps of task %s: %w", t.ID, err)
	}
	if len(t.Output) > 0 {
		c.output = []byte(t.Output)
	}
	if t.Error != nil {
		if c.errJSON, err = encodeJSON(t.Error); err != nil {
			return c, fmt.Errorf("encode error of task %s: %w", t.ID, err)
		}
	}
	return c, nil
}

func (c taskColumns) decodeInto(t *workflow.Task) error {
	if err := decodeJSON(c.tags, &t.RequiredTags); err != nil {
		return fmt.Errorf("decode tags of task %s: %w", t.ID, err)
	}
	if err := decodeJSON(c.deps, &t.DependsOn); err != nil {
		return fmt.Errorf("decode deps of task %s: %w", t.ID, err)
	}
	if len(c.output) > 0 && string(c.output) != "null" {
		t.Output = json.RawMessage(append([]byte(nil), c.output...))
	}
	if len(c.errJSON) > 0 && string(c.errJSON) != "null" {
		t.Error = &workflow.TaskError{}
		if err := json.Unmarshal(c.errJSON, t.Error); err != nil {
			return fmt.Errorf("decode error of task %s: %w", t.ID, err)
		}
	}
	return nil
}
