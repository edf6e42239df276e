package tracehist

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// AttributeTree maps attribute paths to quarks. Quarks are assigned densely
// in creation order and never reused. The history back-ends only read the
// tree; creation happens in the state provider that owns it.
//
// The tree is not part of the history file format; SaveAttributeTree and
// LoadAttributeTree persist it in a companion SQLite database.
type AttributeTree struct {
	mu     sync.RWMutex
	nodes  []attributeNode
	byPath map[string]int
}

type attributeNode struct {
	parent int
	name   string
}

// pathSep joins path components for map keys. Attribute names come from
// trace field names, which never contain a NUL byte.
const pathSep = "\x00"

// NewAttributeTree creates an empty tree.
func NewAttributeTree() *AttributeTree {
	return &AttributeTree{byPath: make(map[string]int)}
}

// NumAttributes returns the number of quarks assigned so far.
func (t *AttributeTree) NumAttributes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// QuarkForPath returns the quark of an existing attribute path. The boolean
// reports whether the path exists; absence is not an error.
func (t *AttributeTree) QuarkForPath(path ...string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	quark, ok := t.byPath[strings.Join(path, pathSep)]
	return quark, ok
}

// QuarkForPathOrCreate returns the quark of an attribute path, creating it
// and any missing ancestors.
func (t *AttributeTree) QuarkForPathOrCreate(path ...string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent := -1
	quark := -1
	for depth := 1; depth <= len(path); depth++ {
		key := strings.Join(path[:depth], pathSep)
		existing, ok := t.byPath[key]
		if !ok {
			existing = len(t.nodes)
			t.nodes = append(t.nodes, attributeNode{parent: parent, name: path[depth-1]})
			t.byPath[key] = existing
		}
		parent = existing
		quark = existing
	}
	return quark
}

// PathForQuark returns the full path of a quark.
func (t *AttributeTree) PathForQuark(quark int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if quark < 0 || quark >= len(t.nodes) {
		return nil
	}
	var path []string
	for q := quark; q >= 0; q = t.nodes[q].parent {
		path = append([]string{t.nodes[q].name}, path...)
	}
	return path
}

// SaveAttributeTree writes the tree to a companion SQLite database,
// replacing any previous contents.
func SaveAttributeTree(ctx context.Context, tree *AttributeTree, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open attribute database: %w", err)
	}
	defer db.Close()

	tree.mu.RLock()
	nodes := make([]attributeNode, len(tree.nodes))
	copy(nodes, tree.nodes)
	tree.mu.RUnlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS attributes (
			quark  INTEGER PRIMARY KEY,
			parent INTEGER NOT NULL,
			name   TEXT NOT NULL
		)`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attributes`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO attributes (quark, parent, name) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for quark, node := range nodes {
		if _, err := stmt.ExecContext(ctx, quark, node.parent, node.name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadAttributeTree rebuilds a tree from a companion SQLite database.
func LoadAttributeTree(ctx context.Context, path string) (*AttributeTree, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open attribute database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT quark, parent, name FROM attributes ORDER BY quark`)
	if err != nil {
		return nil, fmt.Errorf("read attribute database: %w", err)
	}
	defer rows.Close()

	tree := NewAttributeTree()
	for rows.Next() {
		var quark, parent int
		var name string
		if err := rows.Scan(&quark, &parent, &name); err != nil {
			return nil, err
		}
		if quark != len(tree.nodes) || parent >= quark {
			return nil, newCorruptError(path, "attribute database quarks are not dense", nil)
		}
		tree.nodes = append(tree.nodes, attributeNode{parent: parent, name: name})
		tree.byPath[strings.Join(tree.pathForQuarkLocked(quark), pathSep)] = quark
	}
	return tree, rows.Err()
}

func (t *AttributeTree) pathForQuarkLocked(quark int) []string {
	var path []string
	for q := quark; q >= 0; q = t.nodes[q].parent {
		path = append([]string{t.nodes[q].name}, path...)
	}
	return path
}
