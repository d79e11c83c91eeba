package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrDuplicate is returned when a unique scope constraint is violated.
var ErrDuplicate = errors.New("duplicate record")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, firstname, lastname, email, role, archived, is_lead, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Firstname, &user.Lastname, &user.Email, &user.Role, &user.Archived, &user.IsLead, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) ListUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}
	query, args, err := psql.Select(userColumns).From("users").
		Where("id = ANY(?)", pq.StringArray(ids)).
		OrderBy("lastname", "firstname").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list users: %w", err)
	}
	return s.queryUsers(ctx, query, args...)
}

// ListUsers returns active users matching role; isLead restricts to users with the lead permission.
func (s *PostgresStore) ListUsers(ctx context.Context, role string, leadsOnly bool) ([]User, error) {
	builder := psql.Select(userColumns).From("users").Where(sq.Eq{"archived": false})
	if role != "" {
		builder = builder.Where(sq.Eq{"role": role})
	}
	if leadsOnly {
		builder = builder.Where(sq.Eq{"is_lead": true})
	}
	query, args, err := builder.OrderBy("lastname", "firstname").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list users: %w", err)
	}
	return s.queryUsers(ctx, query, args...)
}

func (s *PostgresStore) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetStudent(ctx context.Context, studentID string) (Student, error) {
	var (
		student         Student
		agents, editors pq.StringArray
		coursesUpdated  sql.NullTime
		analysisUpdated sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.firstname, u.lastname, u.email, u.archived, s.agents, s.editors,
			s.is_graduated, s.courses_updated_at, s.courses_analysis_updated_at
		FROM students s
		JOIN users u ON u.id = s.id
		WHERE s.id=$1
	`, studentID).Scan(
		&student.ID,
		&student.Firstname,
		&student.Lastname,
		&student.Email,
		&student.Archived,
		&agents,
		&editors,
		&student.IsGraduated,
		&coursesUpdated,
		&analysisUpdated,
	)
	if err != nil {
		return Student{}, err
	}
	student.Agents = []string(agents)
	student.Editors = []string(editors)
	if coursesUpdated.Valid {
		student.Courses = &CourseRecord{UpdatedAt: coursesUpdated.Time}
		if analysisUpdated.Valid {
			at := analysisUpdated.Time
			student.Courses.AnalysisUpdatedAt = &at
		}
	}

	links, err := s.listLinks(ctx, "student", studentID)
	if err != nil {
		return Student{}, err
	}
	student.GeneralDocThreads = links

	applications, err := s.ListApplications(ctx, studentID)
	if err != nil {
		return Student{}, err
	}
	student.Applications = applications
	return student, nil
}

// ListStudentIDsForStaff returns the active students a staff member is assigned to.
func (s *PostgresStore) ListStudentIDsForStaff(ctx context.Context, userID, role string) ([]string, error) {
	builder := psql.Select("s.id").From("students s").Join("users u ON u.id = s.id").
		Where(sq.Eq{"u.archived": false})
	switch role {
	case RoleAgent:
		builder = builder.Where("? = ANY(s.agents)", userID)
	case RoleEditor:
		builder = builder.Where("? = ANY(s.editors)", userID)
	case RoleAdmin:
	default:
		return []string{}, nil
	}
	query, args, err := builder.OrderBy("u.lastname", "u.firstname").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list students: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan student id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}
	return ids, nil
}

// UpdateStudentMembers replaces the agents or editors of a student.
func (s *PostgresStore) UpdateStudentMembers(ctx context.Context, studentID, field string, ids []string) error {
	if field != "agents" && field != "editors" {
		return fmt.Errorf("update student members: unknown field %q", field)
	}
	query, args, err := psql.Update("students").
		Set(field, pq.StringArray(nonNilStrings(ids))).
		Where(sq.Eq{"id": studentID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update members: %w", err)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update student %s: %w", field, err)
	}
	return expectRow(result)
}

const applicationColumns = `
	a.id, a.student_id, a.program_id, a.application_year, a.decided, a.closed, a.admission, a.created_at,
	p.id, p.school, p.program_name, p.degree, p.semester, p.application_deadline`

func scanApplication(row interface{ Scan(...any) error }) (Application, error) {
	var item Application
	err := row.Scan(
		&item.ID,
		&item.StudentID,
		&item.ProgramID,
		&item.ApplicationYear,
		&item.Decided,
		&item.Closed,
		&item.Admission,
		&item.CreatedAt,
		&item.Program.ID,
		&item.Program.School,
		&item.Program.ProgramName,
		&item.Program.Degree,
		&item.Program.Semester,
		&item.Program.ApplicationDeadline,
	)
	return item, err
}

func (s *PostgresStore) GetApplication(ctx context.Context, applicationID string) (Application, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications a
		JOIN programs p ON p.id = a.program_id
		WHERE a.id=$1
	`, applicationID)
	item, err := scanApplication(row)
	if err != nil {
		return Application{}, err
	}
	links, err := s.listLinks(ctx, "application", item.ID)
	if err != nil {
		return Application{}, err
	}
	item.DocThreads = links
	return item, nil
}

func (s *PostgresStore) ListApplications(ctx context.Context, studentID string) ([]Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications a
		JOIN programs p ON p.id = a.program_id
		WHERE a.student_id=$1
		ORDER BY a.created_at, a.id
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	items := make([]Application, 0)
	for rows.Next() {
		item, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}

	for i := range items {
		links, err := s.listLinks(ctx, "application", items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].DocThreads = links
	}
	return items, nil
}

func (s *PostgresStore) GetInterview(ctx context.Context, interviewID string) (Interview, error) {
	return s.getInterview(ctx, "id", interviewID)
}

// GetInterviewByThread returns the interview owning the given thread.
func (s *PostgresStore) GetInterviewByThread(ctx context.Context, threadID string) (Interview, error) {
	return s.getInterview(ctx, "thread_id", threadID)
}

func (s *PostgresStore) getInterview(ctx context.Context, column, value string) (Interview, error) {
	var (
		item     Interview
		threadID sql.NullString
		trainers pq.StringArray
	)
	query, args, err := psql.Select("id", "student_id", "program_id", "thread_id", "trainer_ids", "is_closed", "created_at").
		From("interviews").
		Where(sq.Eq{column: value}).
		Limit(1).
		ToSql()
	if err != nil {
		return Interview{}, fmt.Errorf("build get interview: %w", err)
	}
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&item.ID, &item.StudentID, &item.ProgramID, &threadID, &trainers, &item.IsClosed, &item.CreatedAt)
	if err != nil {
		return Interview{}, err
	}
	item.ThreadID = threadID.String
	item.TrainerIDs = []string(trainers)
	return item, nil
}

func (s *PostgresStore) UpdateInterviewTrainers(ctx context.Context, interviewID string, ids []string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE interviews SET trainer_ids=$2 WHERE id=$1`, interviewID, pq.StringArray(nonNilStrings(ids)))
	if err != nil {
		return fmt.Errorf("update interview trainers: %w", err)
	}
	return expectRow(result)
}

func expectRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
