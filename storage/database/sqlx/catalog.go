package sqlxrepos

import (
	"context"
	"database/sql"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core/catalog"
)

type catalogRow struct {
	ID       string         `db:"id"`
	CourseID string         `db:"course_id"`
	ParentID sql.NullString `db:"parent_id"`
	Kind     string         `db:"kind"`
	Title    string         `db:"title"`
	Slug     string         `db:"slug"`
	Premium  bool           `db:"premium"`
	Order    int            `db:"ord"`
}

func (row catalogRow) node() catalog.Node {
	return catalog.Node{
		ID:       row.ID,
		ParentID: row.ParentID.String,
		Kind:     catalog.Kind(row.Kind),
		Title:    row.Title,
		Slug:     row.Slug,
		Premium:  row.Premium,
		Order:    row.Order,
	}
}

type catalogRepository struct {
	db *sqlx.DB
}

var _ catalog.Repository = (*catalogRepository)(nil)

func NewCatalogRepository(db *sqlx.DB) *catalogRepository {
	return &catalogRepository{db: db}
}

func (repo catalogRepository) GetCourseTree(ctx context.Context, courseID string) (catalog.Node, error) {
	var rows []catalogRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT * FROM catalog_node WHERE course_id = $1`, courseID)
	if err != nil {
		return catalog.Node{}, errors.Wrap(err, "querying course tree")
	}
	if len(rows) == 0 {
		return catalog.Node{}, catalog.ErrNotFound
	}
	return assembleCatalogTree(rows)
}

func (repo catalogRepository) GetNode(ctx context.Context, id string) (catalog.Node, error) {
	var row catalogRow
	if err := repo.db.GetContext(ctx, &row, `SELECT * FROM catalog_node WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return catalog.Node{}, catalog.ErrNotFound
		}
		return catalog.Node{}, errors.Wrap(err, "getting catalog node")
	}
	return row.node(), nil
}

func (repo catalogRepository) QueryCourses(ctx context.Context) ([]catalog.Node, error) {
	var rows []catalogRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT * FROM catalog_node WHERE parent_id IS NULL ORDER BY title`)
	if err != nil {
		return nil, errors.Wrap(err, "querying courses")
	}
	courses := make([]catalog.Node, 0, len(rows))
	for _, row := range rows {
		courses = append(courses, row.node())
	}
	return courses, nil
}

func (repo catalogRepository) ReplaceCourseTree(ctx context.Context, tree catalog.Node) (catalog.Node, error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return catalog.Node{}, errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `DELETE FROM catalog_node WHERE course_id = $1`, tree.ID); err != nil {
		return catalog.Node{}, errors.Wrap(err, "clearing old course tree")
	}
	if err = insertCatalogNode(ctx, tx, tree.ID, tree); err != nil {
		return catalog.Node{}, err
	}
	if err = tx.Commit(); err != nil {
		return catalog.Node{}, errors.Wrap(err, "committing course tree")
	}
	return tree, nil
}

func insertCatalogNode(ctx context.Context, tx *sqlx.Tx, courseID string, n catalog.Node) error {
	parentID := sql.NullString{String: n.ParentID, Valid: n.ParentID != ""}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO catalog_node (id, course_id, parent_id, kind, title, slug, premium, ord)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, courseID, parentID, n.Kind, n.Title, n.Slug, n.Premium, n.Order,
	)
	if err != nil {
		return errors.Wrap(err, "inserting catalog node")
	}
	for _, c := range n.Children {
		if err = insertCatalogNode(ctx, tx, courseID, c); err != nil {
			return err
		}
	}
	return nil
}

// assembleCatalogTree rebuilds the nested course tree from its flat rows.
func assembleCatalogTree(rows []catalogRow) (catalog.Node, error) {
	var root *catalog.Node
	children := make(map[string][]*catalog.Node)
	for _, row := range rows {
		n := row.node()
		if n.ParentID == "" {
			root = &n
		} else {
			children[n.ParentID] = append(children[n.ParentID], &n)
		}
	}
	if root == nil {
		return catalog.Node{}, errors.New("course tree has no root")
	}

	// attach subtrees bottom-up so every child is complete before it is copied in
	var build func(n *catalog.Node)
	build = func(n *catalog.Node) {
		kids := children[n.ID]
		sort.SliceStable(kids, func(i, j int) bool { return kids[i].Order < kids[j].Order })
		for _, kid := range kids {
			build(kid)
			n.Children = append(n.Children, *kid)
		}
	}
	build(root)
	return *root, nil
}
