package repository

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/errors"
)

const minPasswordLength = 8

// UserRepository stores recording owners.
type UserRepository interface {
	Create(ctx context.Context, email, password string, fullName *string, superuser bool) (*entities.User, error)
	GetByEmail(ctx context.Context, email string) (*entities.User, error)
	GetByID(ctx context.Context, id uint) (*entities.User, error)
	// Authenticate checks a password against the stored bcrypt hash.
	Authenticate(ctx context.Context, email, password string) (*entities.User, error)
}

type userRepository struct {
	db   *gorm.DB
	cost int
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db, cost: bcrypt.DefaultCost}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *userRepository) Create(ctx context.Context, email, password string, fullName *string, superuser bool) (*entities.User, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.ValidationError("a valid email is required")
	}
	if len(password) < minPasswordLength {
		return nil, errors.ValidationError("password must be at least 8 characters")
	}

	if _, err := r.GetByEmail(ctx, email); err == nil {
		return nil, errors.New(ErrDuplicateEmail).
			Component("datastore").
			Category(errors.CategoryConflict).
			Build()
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategorySystem).
			Context("operation", "hash_password").
			Build()
	}

	u := &entities.User{
		Email:          email,
		HashedPassword: string(hash),
		FullName:       fullName,
		IsActive:       true,
		IsSuperuser:    superuser,
	}
	if err := r.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, dbError(err, "create_user")
	}
	return u, nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*entities.User, error) {
	var u entities.User
	err := r.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&u).Error
	if isRecordNotFound(err) {
		return nil, notFound(ErrUserNotFound, email)
	}
	if err != nil {
		return nil, dbError(err, "get_user")
	}
	return &u, nil
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (*entities.User, error) {
	var u entities.User
	err := r.db.WithContext(ctx).First(&u, id).Error
	if isRecordNotFound(err) {
		return nil, notFound(ErrUserNotFound, id)
	}
	if err != nil {
		return nil, dbError(err, "get_user")
	}
	return &u, nil
}

func (r *userRepository) Authenticate(ctx context.Context, email, password string) (*entities.User, error) {
	u, err := r.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !u.IsActive || bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)) != nil {
		return nil, errors.New(errors.NewStd("invalid credentials")).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	return u, nil
}
