package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
)

var _ repositories.UserRepository = (*UserRepository)(nil)

// UserRepository handles PostgreSQL operations for User
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// FindByEmail finds a user by email
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, `email = $1`, email)
}

// FindByPhone finds a user by phone number
func (r *UserRepository) FindByPhone(ctx context.Context, phone string) (*models.User, error) {
	return r.findOne(ctx, `phone = $1`, phone)
}

// Create inserts a user. Used by seeding and tests.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (name, email, phone, role, paid) VALUES ($1, $2, $3, $4, $5)`,
		user.Name, user.Email, user.Phone, user.Role, user.Paid)
	if isUniqueViolation(err) {
		return repositories.ErrDuplicate
	}
	return err
}

func (r *UserRepository) findOne(ctx context.Context, where string, arg string) (*models.User, error) {
	var user models.User
	err := r.pool.QueryRow(ctx, `
		SELECT name, email, phone, role, paid, created_at, updated_at
		FROM users WHERE `+where+` LIMIT 1`, arg).
		Scan(&user.Name, &user.Email, &user.Phone, &user.Role, &user.Paid, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}
