package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/schoolyard/portal/core/user"
)

type userRepository struct {
	db *sqlx.DB
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *sqlx.DB) *userRepository {
	return &userRepository{db: db}
}

func (repo userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...user.User) error {
	query := `SELECT username, email FROM users WHERE (username = $1 AND username <> '') OR email = $2`
	args := []interface{}{username, email}

	if len(excludedUsers) > 0 {
		ids := make([]string, 0, len(excludedUsers))
		for _, usr := range excludedUsers {
			ids = append(ids, usr.ID)
		}
		in, inArgs, err := sqlx.In(
			`SELECT username, email FROM users WHERE ((username = ? AND username <> '') OR email = ?) AND id NOT IN (?)`,
			username, email, ids,
		)
		if err != nil {
			return errors.Wrap(err, "expanding exclusion list")
		}
		query, args = repo.db.Rebind(in), inArgs
	}

	rows, err := repo.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "checking uniqueness")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var uname, mail string
		if err = rows.Scan(&uname, &mail); err != nil {
			return errors.Wrap(err, "scanning uniqueness row")
		}
		if uname == username && username != "" {
			return user.ErrUsernameExists
		}
		if mail == email {
			return user.ErrEmailExists
		}
	}
	return rows.Err()
}

func (repo userRepository) CreateUser(ctx context.Context, usr user.User) (user.User, error) {
	_, err := repo.db.NamedExecContext(ctx, `
INSERT INTO users (id, name, username, email, is_active, password_hash, created_at, updated_at, last_login)
VALUES (:id, :name, :username, :email, :is_active, :password_hash, :created_at, :updated_at, :last_login)`, usr)
	if err != nil {
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo userRepository) GetUserByID(ctx context.Context, id string) (user.User, error) {
	var usr user.User
	err := repo.db.GetContext(ctx, &usr, `SELECT * FROM users WHERE id = $1`, id)
	return usr, wrapGetErr(err)
}

func (repo userRepository) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	var usr user.User
	err := repo.db.GetContext(ctx, &usr, `SELECT * FROM users WHERE email = $1`, email)
	return usr, wrapGetErr(err)
}

func (repo userRepository) GetUserByUsernameOrEmail(ctx context.Context, username string) (user.User, error) {
	var usr user.User
	err := repo.db.GetContext(ctx, &usr,
		`SELECT * FROM users WHERE (username = $1 AND username <> '') OR email = $1`, username)
	return usr, wrapGetErr(err)
}

func (repo userRepository) UpdateUser(ctx context.Context, usr user.User) (user.User, error) {
	res, err := repo.db.NamedExecContext(ctx, `
UPDATE users
SET name = :name, username = :username, email = :email, is_active = :is_active,
    password_hash = :password_hash, updated_at = :updated_at, last_login = :last_login
WHERE id = :id`, usr)
	if err != nil {
		return user.User{}, errors.Wrap(err, "updating user")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return user.User{}, user.ErrNotFound
	}
	return usr, nil
}

func wrapGetErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return user.ErrNotFound
	}
	return errors.WithStack(err)
}
