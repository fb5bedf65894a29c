package sqlxrepos

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core/catalog"
	"github.com/darasahq/darasa/core/progress"
)

type progressRow struct {
	ID        string         `db:"id"`
	UserID    string         `db:"user_id"`
	CourseID  string         `db:"course_id"`
	CatalogID string         `db:"catalog_id"`
	ParentID  sql.NullString `db:"parent_id"`
	Kind      string         `db:"kind"`
	Title     string         `db:"title"`
	Slug      string         `db:"slug"`
	Premium   bool           `db:"premium"`
	Order     int            `db:"ord"`
	Status    string         `db:"status"`
	Score     int            `db:"score"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (row progressRow) node() *progress.Node {
	return &progress.Node{
		ID:        row.ID,
		UserID:    row.UserID,
		CourseID:  row.CourseID,
		CatalogID: row.CatalogID,
		ParentID:  row.ParentID.String,
		Kind:      catalog.Kind(row.Kind),
		Title:     row.Title,
		Slug:      row.Slug,
		Premium:   row.Premium,
		Order:     row.Order,
		Status:    progress.Status(row.Status),
		Score:     row.Score,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

type attemptRow struct {
	ID            string       `db:"id"`
	NodeID        string       `db:"node_id"`
	Number        int          `db:"number"`
	Score         int          `db:"score"`
	AttemptedAt   time.Time    `db:"attempted_at"`
	NextAttemptAt sql.NullTime `db:"next_attempt_at"`
}

func (row attemptRow) attempt() progress.TestAttempt {
	att := progress.TestAttempt{
		ID:          row.ID,
		NodeID:      row.NodeID,
		Number:      row.Number,
		Score:       row.Score,
		AttemptedAt: row.AttemptedAt,
	}
	if row.NextAttemptAt.Valid {
		next := row.NextAttemptAt.Time
		att.NextAttemptAt = &next
	}
	return att
}

type progressRepository struct {
	db *sqlx.DB
}

var _ progress.Repository = (*progressRepository)(nil)

func NewProgressRepository(db *sqlx.DB) *progressRepository {
	return &progressRepository{db: db}
}

func (repo progressRepository) CreateTree(ctx context.Context, root *progress.Node) error {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback()

	var exists bool
	err = tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM progress_node WHERE user_id = $1 AND catalog_id = $2)`,
		root.UserID, root.CatalogID)
	if err != nil {
		return errors.Wrap(err, "checking enrollment")
	}
	if exists {
		return progress.ErrAlreadyEnrolled
	}

	if err = insertProgressNode(ctx, tx, root); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "committing enrollment tree")
}

func insertProgressNode(ctx context.Context, tx *sqlx.Tx, n *progress.Node) error {
	parentID := sql.NullString{String: n.ParentID, Valid: n.ParentID != ""}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO progress_node
		 (id, user_id, course_id, catalog_id, parent_id, kind, title, slug, premium, ord, status, score, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		n.ID, n.UserID, n.CourseID, n.CatalogID, parentID, n.Kind, n.Title, n.Slug,
		n.Premium, n.Order, n.Status, n.Score, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "inserting progress node")
	}
	for _, c := range n.Children {
		if err = insertProgressNode(ctx, tx, c); err != nil {
			return err
		}
	}
	return nil
}

func (repo progressRepository) GetTree(ctx context.Context, userID, courseCatalogID string) (*progress.Node, error) {
	var rootID string
	err := repo.db.GetContext(ctx, &rootID,
		`SELECT id FROM progress_node WHERE user_id = $1 AND catalog_id = $2 AND parent_id IS NULL`,
		userID, courseCatalogID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, progress.ErrNotFound
		}
		return nil, errors.Wrap(err, "locating enrollment tree")
	}
	return repo.loadTree(ctx, rootID)
}

func (repo progressRepository) GetTreeByNodeID(ctx context.Context, nodeID string) (*progress.Node, error) {
	var courseID string
	err := repo.db.GetContext(ctx, &courseID,
		`SELECT course_id FROM progress_node WHERE id = $1`, nodeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, progress.ErrNotFound
		}
		return nil, errors.Wrap(err, "locating progress node")
	}
	return repo.loadTree(ctx, courseID)
}

func (repo progressRepository) loadTree(ctx context.Context, courseID string) (*progress.Node, error) {
	var rows []progressRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT * FROM progress_node WHERE course_id = $1`, courseID)
	if err != nil {
		return nil, errors.Wrap(err, "querying enrollment tree")
	}
	if len(rows) == 0 {
		return nil, progress.ErrNotFound
	}
	return assembleProgressTree(rows)
}

func (repo progressRepository) QueryEnrollments(ctx context.Context, userID string) ([]progress.Node, error) {
	var rows []progressRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT * FROM progress_node WHERE user_id = $1 AND parent_id IS NULL ORDER BY created_at`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "querying enrollments")
	}
	roots := make([]progress.Node, 0, len(rows))
	for _, row := range rows {
		roots = append(roots, *row.node())
	}
	return roots, nil
}

func (repo progressRepository) UpdateNodes(ctx context.Context, nodes []progress.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, n := range nodes {
		res, err := tx.ExecContext(ctx,
			`UPDATE progress_node SET status = $1, score = $2, updated_at = $3
			 WHERE id = $4 AND updated_at = $5`,
			n.Status, n.Score, now, n.ID, n.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, "updating progress node")
		}
		count, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "updating progress node")
		}
		if count == 0 {
			// zero rows: the row is gone or our snapshot is stale
			var exists bool
			if err = tx.GetContext(ctx, &exists,
				`SELECT EXISTS (SELECT 1 FROM progress_node WHERE id = $1)`, n.ID); err != nil {
				return errors.Wrap(err, "checking progress node")
			}
			if !exists {
				return progress.ErrNotFound
			}
			return progress.ErrConflict
		}
	}
	return errors.Wrap(tx.Commit(), "committing progress updates")
}

func (repo progressRepository) DeleteTreesByUserID(ctx context.Context, userID string) error {
	_, err := repo.db.ExecContext(ctx, `DELETE FROM progress_node WHERE user_id = $1`, userID)
	return errors.Wrap(err, "deleting enrollment trees")
}

func (repo progressRepository) CreateAttempt(ctx context.Context, att progress.TestAttempt) (progress.TestAttempt, error) {
	att.ID = uuid.New().String()
	var next sql.NullTime
	if att.NextAttemptAt != nil {
		next = sql.NullTime{Time: att.NextAttemptAt.UTC(), Valid: true}
	}
	_, err := repo.db.ExecContext(ctx,
		`INSERT INTO test_attempt (id, node_id, number, score, attempted_at, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		att.ID, att.NodeID, att.Number, att.Score, att.AttemptedAt.UTC(), next)
	if err != nil {
		// a concurrent submit claimed this attempt number first
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return progress.TestAttempt{}, progress.ErrConflict
		}
		return progress.TestAttempt{}, errors.Wrap(err, "inserting test attempt")
	}
	return att, nil
}

func (repo progressRepository) QueryAttempts(ctx context.Context, nodeID string) ([]progress.TestAttempt, error) {
	var rows []attemptRow
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT * FROM test_attempt WHERE node_id = $1 ORDER BY number`, nodeID)
	if err != nil {
		return nil, errors.Wrap(err, "querying test attempts")
	}
	attempts := make([]progress.TestAttempt, 0, len(rows))
	for _, row := range rows {
		attempts = append(attempts, row.attempt())
	}
	return attempts, nil
}

func (repo progressRepository) SaveSubmission(ctx context.Context, sub progress.CheckpointSubmission) (progress.CheckpointSubmission, error) {
	_, err := repo.db.ExecContext(ctx,
		`INSERT INTO checkpoint_submission (node_id, links, submitted_at) VALUES ($1, $2, $3)
		 ON CONFLICT (node_id) DO UPDATE SET links = EXCLUDED.links, submitted_at = EXCLUDED.submitted_at`,
		sub.NodeID, pq.Array(sub.Links), sub.SubmittedAt.UTC())
	if err != nil {
		return progress.CheckpointSubmission{}, errors.Wrap(err, "saving checkpoint submission")
	}
	return sub, nil
}

func (repo progressRepository) GetSubmission(ctx context.Context, nodeID string) (progress.CheckpointSubmission, error) {
	var row struct {
		NodeID      string         `db:"node_id"`
		Links       pq.StringArray `db:"links"`
		SubmittedAt time.Time      `db:"submitted_at"`
	}
	err := repo.db.GetContext(ctx, &row,
		`SELECT * FROM checkpoint_submission WHERE node_id = $1`, nodeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return progress.CheckpointSubmission{}, progress.ErrNotFound
		}
		return progress.CheckpointSubmission{}, errors.Wrap(err, "getting checkpoint submission")
	}
	return progress.CheckpointSubmission{NodeID: row.NodeID, Links: row.Links, SubmittedAt: row.SubmittedAt}, nil
}

// assembleProgressTree rebuilds the nested enrollment tree from its flat rows.
func assembleProgressTree(rows []progressRow) (*progress.Node, error) {
	nodes := make(map[string]*progress.Node, len(rows))
	var root *progress.Node
	for _, row := range rows {
		n := row.node()
		nodes[n.ID] = n
		if n.ParentID == "" {
			root = n
		}
	}
	if root == nil {
		return nil, errors.New("enrollment tree has no root")
	}
	for _, n := range nodes {
		if n.ParentID == "" {
			continue
		}
		parent, ok := nodes[n.ParentID]
		if !ok {
			return nil, errors.Errorf("progress node %s has unknown parent %s", n.ID, n.ParentID)
		}
		parent.Children = append(parent.Children, n)
	}
	sortProgressChildren(root)
	return root, nil
}

func sortProgressChildren(n *progress.Node) {
	sort.SliceStable(n.Children, func(i, j int) bool { return n.Children[i].Order < n.Children[j].Order })
	for _, c := range n.Children {
		sortProgressChildren(c)
	}
}
