package memory

import (
	"context"
	"sync"

	"github.com/skillshub-cm/mobile-backend/internal/models"
	"github.com/skillshub-cm/mobile-backend/internal/repositories"
)

var _ repositories.UserRepository = (*UserRepository)(nil)

// UserRepository is a seeded, read-mostly user list
type UserRepository struct {
	mu    sync.RWMutex
	users []*models.User
}

// NewUserRepository creates a repository holding users
func NewUserRepository(users ...*models.User) *UserRepository {
	return &UserRepository{users: users}
}

// Add appends a user
func (r *UserRepository) Add(user *models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, user)
}

// FindByEmail finds a user by email
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.Email == email })
}

// FindByPhone finds a user by phone number
func (r *UserRepository) FindByPhone(ctx context.Context, phone string) (*models.User, error) {
	return r.find(func(u *models.User) bool { return u.Phone == phone })
}

func (r *UserRepository) find(match func(*models.User) bool) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if match(u) {
			c := *u
			return &c, nil
		}
	}
	return nil, repositories.ErrNotFound
}
