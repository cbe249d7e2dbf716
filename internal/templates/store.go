package templates

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"

	"github.com/opsforge/fleetcap/internal/vendors"
	_ "modernc.org/sqlite"
)

// Store is an indexed catalog of parse templates. The catalog is read once at
// open and immutable afterwards; adding templates means editing the database
// and restarting.
type Store struct {
	templates []*Template
	byID      map[string]*Template
}

type storedDefinition struct {
	Required   string       `json:"required,omitempty"`
	ListFields []string     `json:"list_fields,omitempty"`
	Rules      []storedRule `json:"rules"`
}

type storedRule struct {
	Pattern string `json:"pattern"`
	Record  bool   `json:"record,omitempty"`
}

// NewStore builds a catalog from an explicit template list.
func NewStore(list []*Template) *Store {
	s := &Store{byID: make(map[string]*Template, len(list))}
	for _, t := range list {
		s.templates = append(s.templates, t)
		s.byID[t.ID] = t
	}
	sort.Slice(s.templates, func(i, j int) bool { return s.templates[i].ID < s.templates[j].ID })
	return s
}

// Open loads the catalog from a template database, seeding it with the
// built-in set when the table is empty.
func Open(path string) (*Store, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open template db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			command TEXT NOT NULL,
			definition TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("initialize template schema: %w", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM templates`).Scan(&count); err != nil {
		return nil, fmt.Errorf("count templates: %w", err)
	}
	if count == 0 {
		if err := seed(db, Builtin()); err != nil {
			return nil, err
		}
	}

	rows, err := db.Query(`SELECT id, platform, command, definition FROM templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var list []*Template
	for rows.Next() {
		var id, platform, command, definition string
		if err := rows.Scan(&id, &platform, &command, &definition); err != nil {
			return nil, fmt.Errorf("scan template row: %w", err)
		}
		t, err := compile(id, platform, command, definition)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", id, err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template rows: %w", err)
	}
	return NewStore(list), nil
}

func seed(db *sql.DB, list []*Template) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin template seed: %w", err)
	}
	defer tx.Rollback()

	for _, t := range list {
		def := storedDefinition{Required: t.Required, ListFields: t.ListFields}
		for _, r := range t.Rules {
			def.Rules = append(def.Rules, storedRule{Pattern: r.Pattern.String(), Record: r.Record})
		}
		blob, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal template %q: %w", t.ID, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO templates (id, platform, command, definition) VALUES (?, ?, ?, ?)`,
			t.ID, string(t.Platform), t.Command, string(blob),
		); err != nil {
			return fmt.Errorf("seed template %q: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit template seed: %w", err)
	}
	return nil
}

func compile(id, platform, command, definition string) (*Template, error) {
	var def storedDefinition
	if err := json.Unmarshal([]byte(definition), &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	t := &Template{
		ID:         id,
		Platform:   vendors.Platform(platform),
		Command:    command,
		Required:   def.Required,
		ListFields: def.ListFields,
	}
	for _, r := range def.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Pattern, err)
		}
		t.Rules = append(t.Rules, Rule{Pattern: re, Record: r.Record})
	}
	return t, nil
}

// Candidates returns the templates whose command filter matches the given
// command text, ordered by id. Order is not significant for correctness.
func (s *Store) Candidates(commandText string) []*Template {
	var out []*Template
	for _, t := range s.templates {
		if t.matchesCommand(commandText) {
			out = append(out, t)
		}
	}
	return out
}

// Get returns a template by id.
func (s *Store) Get(id string) (*Template, bool) {
	t, ok := s.byID[id]
	return t, ok
}

// Len returns the catalog size.
func (s *Store) Len() int { return len(s.templates) }
