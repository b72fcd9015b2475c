package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trunov/mp3hub/internal/entities"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

const uniqueViolation = "23505"

type dbStorage struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*dbStorage, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &dbStorage{dbpool: pool}, nil
}

func (s *dbStorage) Ping(ctx context.Context) error {
	return s.dbpool.Ping(ctx)
}

func (s *dbStorage) Close() {
	s.dbpool.Close()
}

func (s *dbStorage) GetUserByEmail(ctx context.Context, email string) (entities.User, error) {
	var u entities.User
	err := s.dbpool.QueryRow(ctx,
		`SELECT id, email, password_hash, admin, created_timestamp FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Admin, &u.CreatedTimestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entities.User{}, ErrUserNotFound
		}
		return entities.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (s *dbStorage) CreateUser(ctx context.Context, email, passwordHash string, admin bool) (entities.User, error) {
	u := entities.User{Email: email, PasswordHash: passwordHash, Admin: admin}
	err := s.dbpool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, admin) VALUES ($1, $2, $3) RETURNING id, created_timestamp`,
		email, passwordHash, admin,
	).Scan(&u.ID, &u.CreatedTimestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return entities.User{}, fmt.Errorf("%s: %w", email, ErrUserExists)
		}
		return entities.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}
