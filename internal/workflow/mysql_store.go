package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChainForge/internal/errors"
)

// MySQLStore 使用 MySQL 记录工作流状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS workflow_states (
        id VARCHAR(64) PRIMARY KEY,
        description TEXT NOT NULL,
        contract_type VARCHAR(64) DEFAULT '',
        network VARCHAR(64) DEFAULT '',
        metadata TEXT,
        stage VARCHAR(32) NOT NULL,
        progress INT NOT NULL DEFAULT 0,
        skip_audit TINYINT(1) NOT NULL DEFAULT 0,
        skip_deploy TINYINT(1) NOT NULL DEFAULT 0,
        retry_counts TEXT,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        cancel_requested TINYINT(1) NOT NULL DEFAULT 0,
        artifacts MEDIUMTEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_workflow_stage (stage),
        INDEX idx_workflow_network (network),
        INDEX idx_workflow_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflow_states 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE workflow_states ADD COLUMN skip_deploy TINYINT(1) NOT NULL DEFAULT 0 AFTER skip_audit`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 workflow_states.skip_deploy 失败")
		}
	}
	return nil
}

const workflowColumns = `id, description, contract_type, network, metadata, stage, progress,
        skip_audit, skip_deploy, retry_counts, last_error, error_code, cancel_requested, artifacts, created_at, updated_at`

// Create 插入新的工作流记录。
func (s *MySQLStore) Create(ctx context.Context, wf *Workflow) error {
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	if strings.TrimSpace(wf.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}

	now := time.Now().Unix()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	if wf.Stage == "" {
		wf.Stage = StageCreated
	}

	metadataValue, err := marshalJSONColumn(wf.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工作流 metadata 失败")
	}
	retryValue, err := marshalJSONColumn(wf.RetryCounts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工作流 retry_counts 失败")
	}
	artifactsValue, err := marshalArtifacts(wf.Artifacts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工作流 artifacts 失败")
	}

	const stmt = `INSERT INTO workflow_states
        (id, description, contract_type, network, metadata, stage, progress, skip_audit, skip_deploy,
         retry_counts, last_error, error_code, cancel_requested, artifacts, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		wf.ID,
		wf.Description,
		wf.ContractType,
		wf.Network,
		metadataValue,
		wf.Stage,
		wf.Progress,
		wf.SkipAudit,
		wf.SkipDeploy,
		retryValue,
		artifactsValue,
		wf.CreatedAt,
		wf.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrWorkflowConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入工作流失败")
	}
	return nil
}

// Get 查询指定工作流。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Workflow, error) {
	stmt := `SELECT ` + workflowColumns + ` FROM workflow_states WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	wf, err := scanWorkflow(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return wf, nil
}

// Claim 将排队中的工作流标记为开始执行并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Workflow, error) {
	const updateStmt = `UPDATE workflow_states
        SET stage = ?, progress = ?, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND stage = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StageGenerating,
		ProgressOf(StageGenerating),
		now,
		id,
		StageCreated,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作流阶段失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		wf, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if IsTerminal(wf.Stage) {
			return wf, ErrWorkflowTerminal
		}
		return wf, ErrWorkflowConflict
	}
	return s.Get(ctx, id)
}

// Save 持久化完整状态。取消标记只增不减，避免覆盖并发到达的取消请求。
func (s *MySQLStore) Save(ctx context.Context, wf *Workflow) error {
	if wf == nil || strings.TrimSpace(wf.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}

	metadataValue, err := marshalJSONColumn(wf.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工作流 metadata 失败")
	}
	retryValue, err := marshalJSONColumn(wf.RetryCounts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工作流 retry_counts 失败")
	}
	artifactsValue, err := marshalArtifacts(wf.Artifacts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码工作流 artifacts 失败")
	}

	const stmt = `UPDATE workflow_states SET
        description = ?, contract_type = ?, network = ?, metadata = ?, stage = ?, progress = ?,
        skip_audit = ?, skip_deploy = ?, retry_counts = ?, last_error = ?, error_code = ?,
        cancel_requested = cancel_requested OR ?, artifacts = ?, updated_at = ?
        WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		wf.Description,
		wf.ContractType,
		wf.Network,
		metadataValue,
		wf.Stage,
		wf.Progress,
		wf.SkipAudit,
		wf.SkipDeploy,
		retryValue,
		wf.LastError,
		wf.ErrorCode,
		wf.CancelRequested,
		artifactsValue,
		now,
		wf.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存工作流失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// UPDATE 未命中行时可能是值未变化，需要区分是否存在。
		if _, getErr := s.Get(ctx, wf.ID); getErr != nil {
			return getErr
		}
	}
	wf.UpdatedAt = now
	return nil
}

// RequestCancel 打上取消标记。
func (s *MySQLStore) RequestCancel(ctx context.Context, id string) error {
	const stmt = `UPDATE workflow_states SET cancel_requested = 1, updated_at = ?
        WHERE id = ? AND stage NOT IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt, time.Now().Unix(), id, StageCompleted, StageFailed)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记取消失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		wf, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if IsTerminal(wf.Stage) {
			return ErrWorkflowTerminal
		}
	}
	return nil
}

// List 返回符合过滤条件的工作流。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Workflow, error) {
	opts.applyDefaults()

	query := `SELECT ` + workflowColumns + ` FROM workflow_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流列表失败")
	}
	defer rows.Close()

	workflows := make([]*Workflow, 0, opts.Limit)
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流失败")
	}
	return workflows, nil
}

// Stats 返回符合过滤条件的工作流聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS created,
        SUM(CASE WHEN stage NOT IN (?, ?, ?) THEN 1 ELSE 0 END) AS active,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN stage = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN stage = ? AND error_code = ? THEN 1 ELSE 0 END) AS cancelled,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM workflow_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StageCreated),
		string(StageCreated), string(StageCompleted), string(StageFailed),
		string(StageCompleted),
		string(StageFailed),
		string(StageFailed), string(xerrors.CodeCancelled),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats Stats
	if err := row.Scan(
		&stats.Total,
		&stats.Created,
		&stats.Active,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanWorkflow(scan func(dest ...any) error) (*Workflow, error) {
	var wf Workflow
	var metadata, retryCounts, artifacts sql.NullString

	if err := scan(
		&wf.ID,
		&wf.Description,
		&wf.ContractType,
		&wf.Network,
		&metadata,
		&wf.Stage,
		&wf.Progress,
		&wf.SkipAudit,
		&wf.SkipDeploy,
		&retryCounts,
		&wf.LastError,
		&wf.ErrorCode,
		&wf.CancelRequested,
		&artifacts,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流记录失败")
	}

	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &wf.Metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流 metadata 失败")
		}
	}
	if retryCounts.Valid && strings.TrimSpace(retryCounts.String) != "" {
		if err := json.Unmarshal([]byte(retryCounts.String), &wf.RetryCounts); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流 retry_counts 失败")
		}
	}
	if artifacts.Valid && strings.TrimSpace(artifacts.String) != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &wf.Artifacts); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流 artifacts 失败")
		}
	}
	return &wf, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			return sql.NullString{}, nil
		}
	case map[Stage]int:
		if len(typed) == 0 {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func marshalArtifacts(artifacts Artifacts) (sql.NullString, error) {
	bytes, err := json.Marshal(artifacts)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Stages) > 0 {
		placeholders := make([]string, 0, len(opts.Stages))
		for range opts.Stages {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("stage IN (%s)", strings.Join(placeholders, ",")))
		for _, stage := range opts.Stages {
			args = append(args, stage)
		}
	}
	if opts.Network != "" {
		conditions = append(conditions, "network = ?")
		args = append(args, opts.Network)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
