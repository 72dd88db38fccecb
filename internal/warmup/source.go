package warmup

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
)

// ErrNotFound is returned when the backing store has no such record.
var ErrNotFound = errors.New("record not found")

type ProfileRecord struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FullName  string    `db:"full_name" json:"full_name"`
	Role      string    `db:"role" json:"role"`
	AvatarURL *string   `db:"avatar_url" json:"avatar_url,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type ClassRecord struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	Subject     *string   `db:"subject" json:"subject,omitempty"`
	TeacherID   string    `db:"created_by" json:"created_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type ActivityRecord struct {
	ID        string     `db:"id" json:"id"`
	ClassID   string     `db:"class_id" json:"class_id"`
	Title     string     `db:"title" json:"title"`
	Type      string     `db:"type" json:"type"`
	MaxScore  *float64   `db:"max_score" json:"max_score,omitempty"`
	DueDate   *time.Time `db:"due_date" json:"due_date,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

type NotificationRecord struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Title     string    `db:"title" json:"title"`
	Message   string    `db:"message" json:"message"`
	Type      string    `db:"type" json:"type"`
	Read      bool      `db:"is_read" json:"is_read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type MemberRecord struct {
	UserID   string    `db:"user_id" json:"user_id"`
	ClassID  string    `db:"class_id" json:"class_id"`
	Role     string    `db:"role" json:"role"`
	FullName string    `db:"full_name" json:"full_name"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}

// Source reads records from the backing data store.
type Source interface {
	Profile(ctx context.Context, userID string) (*ProfileRecord, error)
	Class(ctx context.Context, classID string) (*ClassRecord, error)
	Activity(ctx context.Context, activityID string) (*ActivityRecord, error)
	Notifications(ctx context.Context, userID string, limit int) ([]NotificationRecord, error)
	ClassActivities(ctx context.Context, classID string) ([]ActivityRecord, error)
	ClassMembers(ctx context.Context, classID string) ([]MemberRecord, error)
	UserClassIDs(ctx context.Context, userID string) ([]string, error)
}

// PostgresSource is a Source over the application database.
type PostgresSource struct {
	db *sqlx.DB
}

// OpenPostgres connects with lib/pq and checks the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSource, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "connect to database")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewPostgresSource(db), nil
}

func NewPostgresSource(db *sqlx.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Close() error {
	return s.db.Close()
}

func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const (
	profileQuery = `SELECT id, email, full_name, role, avatar_url, created_at
		FROM profiles WHERE id = $1`
	classQuery = `SELECT id, name, description, subject, created_by, created_at
		FROM classes WHERE id = $1`
	activityQuery = `SELECT id, class_id, title, type, max_score, due_date, created_at
		FROM activities WHERE id = $1`
	notificationsQuery = `SELECT id, user_id, title, message, type, is_read, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`
	classActivitiesQuery = `SELECT id, class_id, title, type, max_score, due_date, created_at
		FROM activities WHERE class_id = $1
		ORDER BY created_at DESC`
	classMembersQuery = `SELECT m.user_id, m.class_id, m.role, p.full_name, m.joined_at
		FROM class_members m JOIN profiles p ON p.id = m.user_id
		WHERE m.class_id = $1
		ORDER BY m.joined_at`
	userClassIDsQuery = `SELECT class_id FROM class_members WHERE user_id = $1 ORDER BY joined_at`
)

func (s *PostgresSource) Profile(ctx context.Context, userID string) (*ProfileRecord, error) {
	var p ProfileRecord
	if err := s.db.GetContext(ctx, &p, profileQuery, userID); err != nil {
		return nil, notFound(err, "query profile %s", userID)
	}
	return &p, nil
}

func (s *PostgresSource) Class(ctx context.Context, classID string) (*ClassRecord, error) {
	var c ClassRecord
	if err := s.db.GetContext(ctx, &c, classQuery, classID); err != nil {
		return nil, notFound(err, "query class %s", classID)
	}
	return &c, nil
}

func (s *PostgresSource) Activity(ctx context.Context, activityID string) (*ActivityRecord, error) {
	var a ActivityRecord
	if err := s.db.GetContext(ctx, &a, activityQuery, activityID); err != nil {
		return nil, notFound(err, "query activity %s", activityID)
	}
	return &a, nil
}

func (s *PostgresSource) Notifications(ctx context.Context, userID string, limit int) ([]NotificationRecord, error) {
	out := []NotificationRecord{}
	if err := s.db.SelectContext(ctx, &out, notificationsQuery, userID, limit); err != nil {
		return nil, pkgerrors.Wrapf(err, "query notifications for %s", userID)
	}
	return out, nil
}

func (s *PostgresSource) ClassActivities(ctx context.Context, classID string) ([]ActivityRecord, error) {
	out := []ActivityRecord{}
	if err := s.db.SelectContext(ctx, &out, classActivitiesQuery, classID); err != nil {
		return nil, pkgerrors.Wrapf(err, "query activities for class %s", classID)
	}
	return out, nil
}

func (s *PostgresSource) ClassMembers(ctx context.Context, classID string) ([]MemberRecord, error) {
	out := []MemberRecord{}
	if err := s.db.SelectContext(ctx, &out, classMembersQuery, classID); err != nil {
		return nil, pkgerrors.Wrapf(err, "query members for class %s", classID)
	}
	return out, nil
}

func (s *PostgresSource) UserClassIDs(ctx context.Context, userID string) ([]string, error) {
	out := []string{}
	if err := s.db.SelectContext(ctx, &out, userClassIDsQuery, userID); err != nil {
		return nil, pkgerrors.Wrapf(err, "query classes for user %s", userID)
	}
	return out, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return pkgerrors.Wrapf(ErrNotFound, format, args...)
	}
	return pkgerrors.Wrapf(err, format, args...)
}
