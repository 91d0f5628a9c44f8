package accounts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"adspanel/internal/live"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDisplay Role = "display"
	RoleBrand   Role = "brand"
)

const MinPasswordLength = 6

var (
	ErrInvalidName        = errors.New("user name is required")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrInvalidRole        = errors.New("role must be admin, display or brand")
	ErrInvalidBrand       = errors.New("brand link rejected")
	ErrUserExists         = errors.New("user name already taken")
	ErrNotFound           = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleDisplay, RoleBrand:
		return r, nil
	default:
		return "", ErrInvalidRole
	}
}

type User struct {
	ID        string    `json:"id"`
	UserName  string    `json:"user_name"`
	Role      Role      `json:"role"`
	BrandID   string    `json:"brand_id,omitempty"`
	BrandName string    `json:"brand_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type NewUser struct {
	UserName string `json:"user_name"`
	Password string `json:"password"`
	Role     string `json:"role"`
	BrandID  string `json:"brand_id,omitempty"`
}

// Validate trims and checks a create request. Only display users carry a brand.
func (n NewUser) Validate() (NewUser, Role, error) {
	n.UserName = strings.TrimSpace(n.UserName)
	n.BrandID = strings.TrimSpace(n.BrandID)
	if n.UserName == "" {
		return n, "", ErrInvalidName
	}
	if len(n.Password) < MinPasswordLength {
		return n, "", ErrWeakPassword
	}
	role, err := ParseRole(n.Role)
	if err != nil {
		return n, "", err
	}
	if n.BrandID != "" && role != RoleDisplay {
		return n, "", ErrInvalidBrand
	}
	return n, role, nil
}

type Store interface {
	Create(ctx context.Context, name, passwordHash string, role Role, brandID string) (string, error)
	Delete(ctx context.Context, id string) error
	LinkBrand(ctx context.Context, displayID, brandID string) error
	List(ctx context.Context) ([]User, error)
	Credentials(ctx context.Context, name string) (User, string, error)
}

const (
	ChangeUserCreated = "user_created"
	ChangeUserDeleted = "user_deleted"
	ChangeUserLinked  = "user_linked"
)

type Service struct {
	store     Store
	announcer *live.Announcer
	log       zerolog.Logger
	cost      int
}

func NewService(store Store, announcer *live.Announcer, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		announcer: announcer,
		log:       log.With().Str("component", "accounts").Logger(),
		cost:      bcrypt.DefaultCost,
	}
}

func (s *Service) Create(ctx context.Context, req NewUser) (User, error) {
	req, role, err := req.Validate()
	if err != nil {
		return User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return User{}, err
	}
	id, err := s.store.Create(ctx, req.UserName, string(hash), role, req.BrandID)
	if err != nil {
		return User{}, err
	}
	s.log.Info().Str("user", req.UserName).Str("role", string(role)).Msg("user created")
	s.announcer.Announce(ctx, ChangeUserCreated, id)
	return User{ID: id, UserName: req.UserName, Role: role, BrandID: req.BrandID}, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("id", id).Msg("user deleted")
	s.announcer.Announce(ctx, ChangeUserDeleted, id)
	return nil
}

// LinkBrand links a display user to a brand user; an empty brand clears it.
func (s *Service) LinkBrand(ctx context.Context, displayID, brandID string) error {
	if err := s.store.LinkBrand(ctx, displayID, strings.TrimSpace(brandID)); err != nil {
		return err
	}
	s.announcer.Announce(ctx, ChangeUserLinked, displayID)
	return nil
}

func (s *Service) List(ctx context.Context) ([]User, error) {
	return s.store.List(ctx)
}

func (s *Service) Authenticate(ctx context.Context, name, password string) (User, error) {
	u, hash, err := s.store.Credentials(ctx, strings.TrimSpace(name))
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}
