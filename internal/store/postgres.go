package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"assistant-push-go/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping is used by the health check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.db.PingContext(ctx))
}

// RunMigrations applies the embedded goose migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context, log *slog.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: log})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// gooseLogger routes goose's printf logging through slog.
type gooseLogger struct {
	log *slog.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(format, v...))
}

// Subscription methods

const subscriptionColumns = `id, user_id, endpoint, p256dh, auth, user_agent, platform, device_type, active, created_at, last_used`

func (s *PostgresStore) Register(ctx context.Context, userID string, sub models.PushSubscription, device models.DeviceInfo) (models.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, user_agent, platform, device_type, active, created_at, last_used)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, NOW(), NOW())
		 ON CONFLICT (user_id, endpoint) DO UPDATE SET
		   p256dh = EXCLUDED.p256dh,
		   auth = EXCLUDED.auth,
		   user_agent = EXCLUDED.user_agent,
		   platform = EXCLUDED.platform,
		   device_type = EXCLUDED.device_type,
		   active = TRUE,
		   last_used = NOW()
		 RETURNING `+subscriptionColumns,
		uuid.New(), userID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth,
		device.UserAgent, device.Platform, device.DeviceType,
	)

	out, err := scanSubscription(row)
	if err != nil {
		return models.Subscription{}, storeErr("register", err)
	}
	return out, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, userID, endpoint string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET active = FALSE WHERE user_id = $1 AND endpoint = $2`,
		userID, endpoint,
	)
	return storeErr("deactivate", err)
}

func (s *PostgresStore) ActiveFor(ctx context.Context, userID string) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE user_id = $1 AND active ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, storeErr("active_for", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, storeErr("active_for", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("active_for", err)
	}
	return subs, nil
}

func (s *PostgresStore) UsersWithActiveSubscriptions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM push_subscriptions WHERE active ORDER BY user_id`,
	)
	if err != nil {
		return nil, storeErr("active_users", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("active_users", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("active_users", err)
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth,
		&sub.DeviceInfo.UserAgent, &sub.DeviceInfo.Platform, &sub.DeviceInfo.DeviceType,
		&sub.Active, &sub.CreatedAt, &sub.LastUsed,
	)
	return sub, err
}

// Settings methods

func (s *PostgresStore) GetSettings(ctx context.Context, userID string) (models.NotificationSettings, bool, error) {
	var st models.NotificationSettings
	err := s.db.QueryRowContext(ctx,
		`SELECT daily_summary, task_reminders, dsa_reminders, workout_reminders, wellbeing_checkins
		 FROM notification_settings WHERE user_id = $1`,
		userID,
	).Scan(&st.DailySummary, &st.TaskReminders, &st.DSAReminders, &st.WorkoutReminders, &st.WellbeingCheckins)

	if err == sql.ErrNoRows {
		return models.DefaultSettings(), false, nil
	}
	if err != nil {
		return models.NotificationSettings{}, false, storeErr("get_settings", err)
	}
	return st, true, nil
}

// UpdateSettings merges the patch in one statement so concurrent partial
// updates to different flags do not overwrite each other.
func (s *PostgresStore) UpdateSettings(ctx context.Context, userID string, patch models.SettingsPatch) (models.NotificationSettings, error) {
	var st models.NotificationSettings
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO notification_settings
		   (user_id, daily_summary, task_reminders, dsa_reminders, workout_reminders, wellbeing_checkins, updated_at)
		 VALUES ($1, COALESCE($2::boolean, TRUE), COALESCE($3::boolean, TRUE), COALESCE($4::boolean, TRUE),
		         COALESCE($5::boolean, TRUE), COALESCE($6::boolean, TRUE), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   daily_summary = COALESCE($2::boolean, notification_settings.daily_summary),
		   task_reminders = COALESCE($3::boolean, notification_settings.task_reminders),
		   dsa_reminders = COALESCE($4::boolean, notification_settings.dsa_reminders),
		   workout_reminders = COALESCE($5::boolean, notification_settings.workout_reminders),
		   wellbeing_checkins = COALESCE($6::boolean, notification_settings.wellbeing_checkins),
		   updated_at = NOW()
		 RETURNING daily_summary, task_reminders, dsa_reminders, workout_reminders, wellbeing_checkins`,
		userID, patch.DailySummary, patch.TaskReminders, patch.DSAReminders, patch.WorkoutReminders, patch.WellbeingCheckins,
	).Scan(&st.DailySummary, &st.TaskReminders, &st.DSAReminders, &st.WorkoutReminders, &st.WellbeingCheckins)

	if err != nil {
		return models.NotificationSettings{}, storeErr("update_settings", err)
	}
	return st, nil
}
