package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/internal/market"
)

const mysqlDuplicateEntry = 1062

const (
	insertJobSQL = `INSERT INTO jobs
    (id, requester, required_algo, reward_tokens, fulfilled, claimant, created_at, claimed_at)
    VALUES (?, ?, ?, ?, 0, '', ?, 0)`
	selectJobSQL = `SELECT id, requester, required_algo, reward_tokens, fulfilled, claimant, created_at, claimed_at
    FROM jobs WHERE id = ?`
	lockJobSQL  = selectJobSQL + ` FOR UPDATE`
	claimJobSQL = `UPDATE jobs SET fulfilled = 1, claimant = ?, claimed_at = ?
    WHERE id = ? AND fulfilled = 0`
	listJobsSQL = `SELECT id, requester, required_algo, reward_tokens, fulfilled, claimant, created_at, claimed_at
    FROM jobs ORDER BY created_at DESC, id DESC`
)

// JobStore 使用 MySQL 持久化任务，Claim 通过行锁加条件更新保证只领取一次。
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobStore 建立连接池并执行迁移。
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &JobStore{db: db, now: time.Now}, nil
}

// Create 实现 market.JobStore 接口。
func (s *JobStore) Create(ctx context.Context, job *market.Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = s.now().Unix()
	}
	_, err := s.db.ExecContext(ctx, insertJobSQL,
		job.ID,
		job.Requester,
		job.RequiredAlgo,
		job.RewardTokens,
		job.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysqldrv.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return xerrors.New(market.CodeDuplicateJob, "duplicate job id", xerrors.WithMetadata("job_id", job.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 实现 market.JobStore 接口。
func (s *JobStore) Get(ctx context.Context, id string) (*market.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobSQL, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(market.CodeJobNotFound, "job not found", xerrors.WithMetadata("job_id", id))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// Claim 在事务内锁定任务行，执行 check 后以条件更新置位。check 失败时回滚，不留下任何修改。
func (s *JobStore) Claim(ctx context.Context, id, claimant string, check market.ClaimCheck) (*market.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启领取事务失败")
	}

	job, err := scanJob(tx.QueryRowContext(ctx, lockJobSQL, id))
	if err != nil {
		_ = tx.Rollback()
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(market.CodeJobNotFound, "job not found", xerrors.WithMetadata("job_id", id))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定任务失败")
	}
	if job.Fulfilled {
		_ = tx.Rollback()
		return nil, alreadyClaimed(id, job.Claimant)
	}
	if check != nil {
		if err := check(*job); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}

	claimedAt := s.now().Unix()
	res, err := tx.ExecContext(ctx, claimJobSQL, claimant, claimedAt, id)
	if err != nil {
		_ = tx.Rollback()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		_ = tx.Rollback()
		return nil, alreadyClaimed(id, "")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交领取事务失败")
	}

	job.Fulfilled = true
	job.Claimant = claimant
	job.ClaimedAt = claimedAt
	return job, nil
}

// List 按创建时间倒序返回任务，limit <= 0 时返回全部。
func (s *JobStore) List(ctx context.Context, limit int) ([]*market.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, listJobsSQL+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, listJobsSQL)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var jobs []*market.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Close 关闭连接池。
func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*market.Job, error) {
	var job market.Job
	if err := row.Scan(
		&job.ID,
		&job.Requester,
		&job.RequiredAlgo,
		&job.RewardTokens,
		&job.Fulfilled,
		&job.Claimant,
		&job.CreatedAt,
		&job.ClaimedAt,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

func alreadyClaimed(id, claimant string) error {
	opts := []xerrors.Option{xerrors.WithMetadata("job_id", id)}
	if claimant != "" {
		opts = append(opts, xerrors.WithMetadata("claimant", claimant))
	}
	return xerrors.New(market.CodeJobAlreadyClaimed, "job already claimed", opts...)
}

var _ market.JobStore = (*JobStore)(nil)
