package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/facet"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for tests, runs, memberships and status history.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// InTx runs fn inside a database transaction. The Store passed to fn
	// is bound to the transaction and must be used for all work in fn.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Test catalog.
	CreateTest(ctx context.Context, test *Test, labelIDs []int64) error
	TestsMatching(
		ctx context.Context, projectID int64, pred facet.Predicate,
	) ([]int64, error)

	// Runs.
	InsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID int64, projectID *int64) (*Run, error)
	GetRunForUpdate(
		ctx context.Context, runID int64, projectID *int64,
	) (*Run, error)
	ListRuns(ctx context.Context, projectID int64) ([]Run, error)
	UpdateRunStatus(
		ctx context.Context, runID int64, from []string, to string, at time.Time,
	) (bool, error)
	LockRun(ctx context.Context, runID, userID int64, at time.Time) (bool, error)

	// Memberships.
	BulkInsertMemberships(
		ctx context.Context, memberships []Membership, batchSize int,
	) error
	BulkUpdateStatus(
		ctx context.Context,
		runID int64,
		updates []StatusUpdate,
		userID int64,
		at time.Time,
	) (int64, error)
	TransitionStatus(
		ctx context.Context,
		runID int64,
		testIDs []int64,
		from, to string,
		userID int64,
		at time.Time,
	) (int64, error)
	TransitionAll(
		ctx context.Context,
		runID int64,
		from, to string,
		userID int64,
		at time.Time,
	) (int64, error)
	MembershipTestIDs(
		ctx context.Context, runID int64, filter MembershipFilter,
	) ([]int64, error)
	SelectByRun(
		ctx context.Context, runID int64, filter MembershipFilter,
	) ([]Membership, error)
	MarkExcluded(
		ctx context.Context,
		runID int64,
		testIDs []int64,
		userID int64,
		at time.Time,
	) (int64, error)
	CountByStatus(ctx context.Context, runID int64) ([]StatusCount, error)
	CountBySquadAndStatus(
		ctx context.Context, runID int64,
	) ([]SquadStatusCount, error)

	// Status history.
	AppendHistory(ctx context.Context, entries []StatusHistory) error
	ListHistory(
		ctx context.Context, runID int64, testID *int64,
	) ([]StatusHistory, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

// updateChunkSize bounds the test ids bound into one statement, keeping
// CASE updates and IN lists below the database's bind variable limit.
const updateChunkSize = 1000

// chunkIDs splits ids into slices of at most updateChunkSize.
func chunkIDs(ids []int64) [][]int64 {
	chunks := make([][]int64, 0, len(ids)/updateChunkSize+1)
	for start := 0; start < len(ids); start += updateChunkSize {
		chunks = append(chunks, ids[start:min(start+updateChunkSize, len(ids))])
	}

	return chunks
}

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// SQLite allows a single writer; a single connection also keeps
		// ":memory:" databases shared across queries.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Test{},
		&TestLabel{},
		&Run{},
		&Membership{},
		&StatusHistory{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.PingContext(ctx)
}

func (s *store) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{log: s.log, cfg: s.cfg, db: tx})
	})
}

// --- Test catalog ---

// CreateTest inserts a test and its label links.
func (s *store) CreateTest(
	ctx context.Context, test *Test, labelIDs []int64,
) error {
	if test.Status == "" {
		test.Status = TestStatusActive
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(test).Error; err != nil {
			return fmt.Errorf("creating test: %w", err)
		}

		if len(labelIDs) == 0 {
			return nil
		}

		labels := make([]TestLabel, 0, len(labelIDs))
		for _, id := range labelIDs {
			labels = append(labels, TestLabel{TestID: test.ID, LabelID: id})
		}

		if err := tx.Create(&labels).Error; err != nil {
			return fmt.Errorf("creating test labels: %w", err)
		}

		return nil
	})
}

// TestsMatching returns the distinct ids of active tests in the project
// that satisfy the predicate, in ascending order.
func (s *store) TestsMatching(
	ctx context.Context, projectID int64, pred facet.Predicate,
) ([]int64, error) {
	q := s.db.WithContext(ctx).
		Model(&Test{}).
		Where("tests.project_id = ? AND tests.status = ?",
			projectID, TestStatusActive)

	for _, c := range pred.Scope {
		expr, args := clauseSQL(c)
		q = q.Where(expr, args...)
	}

	if len(pred.Match) > 0 {
		expr, args := joinClauses(pred.Match, pred.Mode)
		q = q.Where(expr, args...)
	}

	var ids []int64
	if err := q.Distinct().
		Order("tests.id ASC").
		Pluck("tests.id", &ids).Error; err != nil {
		return nil, fmt.Errorf("resolving matching tests: %w", err)
	}

	return ids, nil
}

// --- Runs ---

func (s *store) InsertRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	return nil
}

// GetRun looks up a run, optionally scoped to a project.
func (s *store) GetRun(
	ctx context.Context, runID int64, projectID *int64,
) (*Run, error) {
	return s.getRun(s.db.WithContext(ctx), runID, projectID)
}

// GetRunForUpdate looks up a run and, on postgres, locks its row until the
// surrounding transaction ends. SQLite serializes writers on its own.
func (s *store) GetRunForUpdate(
	ctx context.Context, runID int64, projectID *int64,
) (*Run, error) {
	q := s.db.WithContext(ctx)
	if s.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	return s.getRun(q, runID, projectID)
}

func (s *store) getRun(
	q *gorm.DB, runID int64, projectID *int64,
) (*Run, error) {
	q = q.Where("id = ?", runID)
	if projectID != nil {
		q = q.Where("project_id = ?", *projectID)
	}

	var run Run
	if err := q.First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("getting run %d: %w", runID, ErrNotFound)
		}

		return nil, fmt.Errorf("getting run %d: %w", runID, err)
	}

	return &run, nil
}

func (s *store) ListRuns(ctx context.Context, projectID int64) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND status <> ?", projectID, RunStatusDeleted).
		Order("id DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// UpdateRunStatus moves a run to status `to` if its current status is one
// of `from`. It reports whether the run was updated.
func (s *store) UpdateRunStatus(
	ctx context.Context, runID int64, from []string, to string, at time.Time,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND status IN ?", runID, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("updating run status: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// LockRun moves an active run to Locked and records who locked it.
func (s *store) LockRun(
	ctx context.Context, runID, userID int64, at time.Time,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND status = ?", runID, RunStatusActive).
		Updates(map[string]any{
			"status":     RunStatusLocked,
			"locked_by":  userID,
			"locked_at":  at,
			"updated_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("locking run: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// --- Memberships ---

func (s *store) BulkInsertMemberships(
	ctx context.Context, memberships []Membership, batchSize int,
) error {
	if len(memberships) == 0 {
		return nil
	}

	if batchSize <= 0 {
		batchSize = len(memberships)
	}

	if err := s.db.WithContext(ctx).
		CreateInBatches(memberships, batchSize).Error; err != nil {
		return fmt.Errorf("bulk inserting memberships: %w", err)
	}

	return nil
}

// BulkUpdateStatus writes per-test statuses and comments for included
// memberships of a run using CASE expressions keyed by test id. It returns
// the number of affected rows.
func (s *store) BulkUpdateStatus(
	ctx context.Context,
	runID int64,
	updates []StatusUpdate,
	userID int64,
	at time.Time,
) (int64, error) {
	var affected int64

	for start := 0; start < len(updates); start += updateChunkSize {
		end := min(start+updateChunkSize, len(updates))
		chunk := updates[start:end]

		ids := make([]int64, 0, len(chunk))
		for _, u := range chunk {
			ids = append(ids, u.TestID)
		}

		result := s.db.WithContext(ctx).
			Model(&Membership{}).
			Where("run_id = ? AND is_included = ? AND test_id IN ?",
				runID, true, ids).
			Updates(map[string]any{
				"status": caseByTestID(chunk, func(u StatusUpdate) any {
					return u.Status
				}),
				"comment": caseByTestID(chunk, func(u StatusUpdate) any {
					return u.Comment
				}),
				"version":    gorm.Expr("version + 1"),
				"updated_by": userID,
				"updated_at": at,
			})
		if result.Error != nil {
			return affected, fmt.Errorf("bulk updating statuses: %w", result.Error)
		}

		affected += result.RowsAffected
	}

	return affected, nil
}

// TransitionStatus moves the given included memberships from one status to
// another.
func (s *store) TransitionStatus(
	ctx context.Context,
	runID int64,
	testIDs []int64,
	from, to string,
	userID int64,
	at time.Time,
) (int64, error) {
	var affected int64

	for _, chunk := range chunkIDs(testIDs) {
		n, err := s.transition(ctx, runID, from, to, userID, at,
			func(q *gorm.DB) *gorm.DB { return q.Where("test_id IN ?", chunk) })
		if err != nil {
			return affected, err
		}

		affected += n
	}

	return affected, nil
}

// TransitionAll moves every included membership of a run in status `from`
// to status `to` with a single statement.
func (s *store) TransitionAll(
	ctx context.Context,
	runID int64,
	from, to string,
	userID int64,
	at time.Time,
) (int64, error) {
	return s.transition(ctx, runID, from, to, userID, at,
		func(q *gorm.DB) *gorm.DB { return q })
}

func (s *store) transition(
	ctx context.Context,
	runID int64,
	from, to string,
	userID int64,
	at time.Time,
	scope func(*gorm.DB) *gorm.DB,
) (int64, error) {
	q := s.db.WithContext(ctx).
		Model(&Membership{}).
		Where("run_id = ? AND is_included = ? AND status = ?", runID, true, from)

	result := scope(q).Updates(map[string]any{
		"status":     to,
		"version":    gorm.Expr("version + 1"),
		"updated_by": userID,
		"updated_at": at,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("transitioning statuses: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// MembershipTestIDs returns the test ids of memberships matching filter,
// in ascending order. Large TestIDs filters are queried in chunks.
func (s *store) MembershipTestIDs(
	ctx context.Context, runID int64, filter MembershipFilter,
) ([]int64, error) {
	var ids []int64

	err := s.forEachIDChunk(filter, func(f MembershipFilter) error {
		var chunk []int64
		if err := s.membershipQuery(ctx, runID, f).
			Order("test_id ASC").
			Pluck("test_id", &chunk).Error; err != nil {
			return fmt.Errorf("listing membership test ids: %w", err)
		}

		ids = append(ids, chunk...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(ids)

	return ids, nil
}

// SelectByRun returns the memberships of a run matching filter, ordered by
// test id.
func (s *store) SelectByRun(
	ctx context.Context, runID int64, filter MembershipFilter,
) ([]Membership, error) {
	var memberships []Membership

	err := s.forEachIDChunk(filter, func(f MembershipFilter) error {
		var chunk []Membership
		if err := s.membershipQuery(ctx, runID, f).
			Order("test_id ASC").
			Find(&chunk).Error; err != nil {
			return fmt.Errorf("selecting memberships: %w", err)
		}

		memberships = append(memberships, chunk...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(memberships, func(a, b Membership) int {
		return cmp.Compare(a.TestID, b.TestID)
	})

	if memberships == nil {
		memberships = make([]Membership, 0)
	}

	return memberships, nil
}

// forEachIDChunk calls fn once per chunk of filter.TestIDs, or once with
// the filter unchanged when it does not restrict by test.
func (s *store) forEachIDChunk(
	filter MembershipFilter, fn func(MembershipFilter) error,
) error {
	if filter.TestIDs == nil {
		return fn(filter)
	}

	for _, chunk := range chunkIDs(filter.TestIDs) {
		f := filter
		f.TestIDs = chunk

		if err := fn(f); err != nil {
			return err
		}
	}

	return nil
}

func (s *store) membershipQuery(
	ctx context.Context, runID int64, filter MembershipFilter,
) *gorm.DB {
	q := s.db.WithContext(ctx).
		Model(&Membership{}).
		Where("run_id = ?", runID)

	if !filter.IncludeExcluded {
		q = q.Where("is_included = ?", true)
	}

	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}

	if filter.TestIDs != nil {
		q = q.Where("test_id IN ?", filter.TestIDs)
	}

	return q
}

// MarkExcluded soft-removes tests from a run.
func (s *store) MarkExcluded(
	ctx context.Context,
	runID int64,
	testIDs []int64,
	userID int64,
	at time.Time,
) (int64, error) {
	var affected int64

	for _, chunk := range chunkIDs(testIDs) {
		result := s.db.WithContext(ctx).
			Model(&Membership{}).
			Where("run_id = ? AND is_included = ? AND test_id IN ?",
				runID, true, chunk).
			Updates(map[string]any{
				"is_included": false,
				"version":     gorm.Expr("version + 1"),
				"updated_by":  userID,
				"updated_at":  at,
			})
		if result.Error != nil {
			return affected, fmt.Errorf("excluding memberships: %w", result.Error)
		}

		affected += result.RowsAffected
	}

	return affected, nil
}

// CountByStatus counts included memberships of a run per status.
func (s *store) CountByStatus(
	ctx context.Context, runID int64,
) ([]StatusCount, error) {
	var rows []StatusCount
	if err := s.db.WithContext(ctx).
		Model(&Membership{}).
		Select("status, COUNT(*) AS count").
		Where("run_id = ? AND is_included = ?", runID, true).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting statuses: %w", err)
	}

	return rows, nil
}

// CountBySquadAndStatus counts included memberships of a run per
// (squad, status) pair using the squad of each membership's test.
func (s *store) CountBySquadAndStatus(
	ctx context.Context, runID int64,
) ([]SquadStatusCount, error) {
	var rows []SquadStatusCount
	if err := s.db.WithContext(ctx).
		Table("test_run_memberships AS m").
		Select("t.squad_id AS squad_id, m.status AS status, COUNT(*) AS count").
		Joins("JOIN tests AS t ON t.id = m.test_id").
		Where("m.run_id = ? AND m.is_included = ?", runID, true).
		Group("t.squad_id, m.status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting statuses by squad: %w", err)
	}

	return rows, nil
}

// --- Status history ---

func (s *store) AppendHistory(
	ctx context.Context, entries []StatusHistory,
) error {
	if len(entries) == 0 {
		return nil
	}

	const batchSize = 500

	if err := s.db.WithContext(ctx).
		CreateInBatches(entries, batchSize).Error; err != nil {
		return fmt.Errorf("appending status history: %w", err)
	}

	return nil
}

// ListHistory returns the audit trail of a run, oldest first, optionally
// restricted to one test.
func (s *store) ListHistory(
	ctx context.Context, runID int64, testID *int64,
) ([]StatusHistory, error) {
	q := s.db.WithContext(ctx).Where("run_id = ?", runID)
	if testID != nil {
		q = q.Where("test_id = ?", *testID)
	}

	var entries []StatusHistory
	if err := q.Order("updated_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing status history: %w", err)
	}

	return entries, nil
}
