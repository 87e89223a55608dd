package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/tenant"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
)

const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
	defaultRetryMaxElapsedTime  = 10 * time.Second
	readRetryMaxElapsedTime     = 5 * time.Second
)

// newRetryPolicy creates a new exponential backoff policy with context awareness.
func newRetryPolicy(ctx context.Context, maxElapsedTime time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = maxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// retryableOperation retries operation while it fails with a transient error.
// Conditional updates whose outcome is decided by RowsAffected must not go through
// here: a retried statement cannot tell its own earlier commit from a competitor's.
func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, operation func() error) error {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying DB operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	return backoff.RetryNotify(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) ||
			errors.Is(err, gorm.ErrInvalidTransaction) ||
			errors.Is(err, gorm.ErrDuplicatedKey) {
			return backoff.Permanent(err)
		}
		if isTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, notify)
}

// isTransientError checks if the error suggests a temporary issue like a network problem.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 connection exception, class 53 insufficient resources,
		// deadlock and serialization failures.
		return strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			pgErr.Code == "40P01" ||
			pgErr.Code == "40001"
	}

	errStr := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"connection refused",
		"network is unreachable",
		"i/o timeout",
		"broken pipe",
		"connection reset",
		"could not translate host name",
		"no route to host",
		"database system is starting up",
		"connection timed out",
	} {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PostgresRepo implements every repository of the service on one tenant schema.
type PostgresRepo struct {
	db *gorm.DB
}

// tenantNamer qualifies every table with the tenant schema.
type tenantNamer struct {
	schema.NamingStrategy
	schemaName string
}

// TableName implements the schema.Namer interface, overriding the default.
func (tn tenantNamer) TableName(table string) string {
	return fmt.Sprintf("%q.%s", tn.schemaName, table)
}

// SchemaName returns the Postgres schema holding companyID's tables.
func SchemaName(companyID string) string {
	return fmt.Sprintf("billing_%s", companyID)
}

func openWithRetry(dsn string, cfg *gorm.Config, what string) (*gorm.DB, error) {
	op := func() (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			if isTransientError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to %s: %w", what, err))
		}
		return db, nil
	}
	notify := func(err error, d time.Duration) {
		logger.Log.Warn("Retrying DB connection", zap.String("target", what), zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = time.Minute

	return backoff.RetryNotifyWithData(op, b, notify)
}

// NewPostgresRepo connects, ensures the tenant schema exists and, when autoMigrate is
// set, migrates the tables this service owns.
func NewPostgresRepo(dsn string, autoMigrate bool, companyID string) (*PostgresRepo, error) {
	schemaName := SchemaName(companyID)

	bootstrap, err := openWithRetry(dsn, &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)}, "postgres")
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Ensuring PostgreSQL schema exists", zap.String("schema", schemaName))
	schemaErr := bootstrap.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schemaName)).Error
	if sqlDB, err := bootstrap.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if schemaErr != nil {
		return nil, fmt.Errorf("failed to create schema %s: %w", schemaName, schemaErr)
	}

	db, err := openWithRetry(dsn, &gorm.Config{
		NamingStrategy: tenantNamer{schemaName: schemaName},
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
	}, "postgres tenant schema "+schemaName)
	if err != nil {
		return nil, err
	}

	repo := &PostgresRepo{db: db}
	if !autoMigrate {
		return repo, nil
	}

	if err := db.AutoMigrate(
		&model.Message{},
		&model.AuditEntry{},
		&model.CallSession{},
		&model.Counterparty{},
	); err != nil {
		_ = repo.Close(context.Background())
		return nil, fmt.Errorf("failed to auto-migrate schema %s: %w", schemaName, err)
	}

	// The timeout sweep only ever scans in-flight claims.
	activeClaimsIdx := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_billing_messages_active_claims ON %q.billing_messages (call_claimed_at) WHERE status = '%s'",
		schemaName, model.StatusCallActive)
	if err := db.Exec(activeClaimsIdx).Error; err != nil {
		logger.Log.Warn("Failed to create active claims index", zap.String("schema", schemaName), zap.Error(err))
	}

	logger.Log.Info("PostgreSQL schema migrated", zap.String("schema", schemaName))
	return repo, nil
}

// Ping checks that the database answers. Used by the readiness check.
func (r *PostgresRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (r *PostgresRepo) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to get underlying SQL DB for closing", zap.Error(err))
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(err))
		return fmt.Errorf("failed to close SQL DB: %w", err)
	}
	logger.FromContext(ctx).Info("Database connection closed successfully")
	return nil
}

// tableName resolves a base table name through the configured namer.
func (r *PostgresRepo) tableName(base string) string {
	return r.db.NamingStrategy.TableName(base)
}

// checkConstraintViolation inspects database errors and maps them to standard apperrors.
func checkConstraintViolation(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", apperrors.ErrDuplicate, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrDuplicate, pgErr.ConstraintName, err)
		case "23503", "23514": // foreign_key_violation, check_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)
		case "23502": // not_null_violation
			return fmt.Errorf("%w: null value in column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22001": // string_data_right_truncation
			return fmt.Errorf("%w: value too long for column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22P02": // invalid_text_representation
			return fmt.Errorf("%w: invalid input syntax for type %s: %w", apperrors.ErrBadRequest, pgErr.DataTypeName, err)
		case "40001", "40P01":
			return fmt.Errorf("%w: transaction rollback (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
		default:
			return fmt.Errorf("%w: pgcode %s: %w", apperrors.ErrDatabase, pgErr.Code, err)
		}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
}

// companyFromContext returns the tenant every query is scoped to.
func companyFromContext(ctx context.Context) (string, error) {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrValidation, err)
	}
	return companyID, nil
}
