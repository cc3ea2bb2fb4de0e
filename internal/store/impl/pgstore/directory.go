package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/identity"
)

// Directory is an identity.Directory over the "user" table. The following
// set lives in a text[] column so an edge change is one row update.
type Directory struct {
	db  *pgxpool.Pool
	log log.Logger
}

func NewDirectory(db *pgxpool.Pool) *Directory {
	d := &Directory{db: db}
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "pg_directory").Value()
	return d
}

const userColumns = `id,email,"password",role,following,created_at`

func scanUser(row pgx.Row) (*identity.User, error) {
	var id, role string
	var following []string
	var created time.Time
	u := &identity.User{}
	err := row.Scan(&id, &u.Email, &u.PasswordHash, &role, &following, &created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, err
	}
	u.ID = identity.ID(id)
	u.Role = identity.Role(role)
	u.CreatedAt = created
	u.Following = make([]identity.ID, len(following))
	for i, f := range following {
		u.Following[i] = identity.ID(f)
	}
	identity.SortIDs(u.Following)
	return u, nil
}

func (d *Directory) Create(ctx context.Context, u *identity.User) error {
	following := make([]string, len(u.Following))
	for i, f := range u.Following {
		following[i] = f.String()
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	sqlStmt := `INSERT INTO "user" (id,email,"password",role,following,created_at) VALUES ($1,lower($2),$3,$4,$5,$6)`
	_, err := d.db.Exec(ctx, sqlStmt, u.ID.String(), u.Email, u.PasswordHash, string(u.Role), following, created)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "user_email_key" {
				d.log.Warn().Msg("trying to create user with existing email")
				return identity.ErrEmailTaken
			}
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (d *Directory) Get(ctx context.Context, id identity.ID) (*identity.User, error) {
	row := d.db.QueryRow(ctx, `SELECT `+userColumns+` FROM "user" WHERE id = $1`, id.String())
	return scanUser(row)
}

func (d *Directory) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	row := d.db.QueryRow(ctx, `SELECT `+userColumns+` FROM "user" WHERE email = lower($1)`, email)
	return scanUser(row)
}

func (d *Directory) List(ctx context.Context, role identity.Role) ([]*identity.User, error) {
	rows, err := d.db.Query(ctx, `SELECT `+userColumns+` FROM "user" WHERE $1 = '' OR role = $1 ORDER BY created_at`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := make([]*identity.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (d *Directory) AddFollowing(ctx context.Context, watcher, target identity.ID) (bool, error) {
	sqlStmt := `UPDATE "user" SET following = array_append(following, $2) WHERE id = $1 AND NOT ($2 = ANY(following))`
	ct, err := d.db.Exec(ctx, sqlStmt, watcher.String(), target.String())
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	return false, d.exists(ctx, watcher)
}

func (d *Directory) RemoveFollowing(ctx context.Context, watcher, target identity.ID) (bool, error) {
	sqlStmt := `UPDATE "user" SET following = array_remove(following, $2) WHERE id = $1 AND $2 = ANY(following)`
	ct, err := d.db.Exec(ctx, sqlStmt, watcher.String(), target.String())
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	return false, d.exists(ctx, watcher)
}

func (d *Directory) SetEmail(ctx context.Context, id identity.ID, email string) error {
	ct, err := d.db.Exec(ctx, `UPDATE "user" SET email = lower($2) WHERE id = $1`, id.String(), email)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "user_email_key" {
			return identity.ErrEmailTaken
		}
		return fmt.Errorf("updating email: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

func (d *Directory) SetPassword(ctx context.Context, id identity.ID, hash string) error {
	ct, err := d.db.Exec(ctx, `UPDATE "user" SET "password" = $2 WHERE id = $1`, id.String(), hash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// SetRole locks the user row, switches the role and strips the edges the
// new role cannot hold, all in one transaction.
func (d *Directory) SetRole(ctx context.Context, id identity.ID, role identity.Role) ([]identity.ID, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var old string
	var following []string
	err = tx.QueryRow(ctx, `SELECT role,following FROM "user" WHERE id = $1 FOR UPDATE`, id.String()).Scan(&old, &following)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, identity.ErrUserNotFound
	} else if err != nil {
		return nil, err
	}
	affected := make([]identity.ID, 0)
	if identity.Role(old) == role {
		return affected, nil
	}
	_, err = tx.Exec(ctx, `UPDATE "user" SET role = $2 WHERE id = $1`, id.String(), string(role))
	if err != nil {
		return nil, err
	}
	if identity.Role(old) == identity.Watcher && len(following) > 0 {
		_, err = tx.Exec(ctx, `UPDATE "user" SET following = '{}' WHERE id = $1`, id.String())
		if err != nil {
			return nil, err
		}
		affected = append(affected, id)
	}
	if identity.Role(old) == identity.Trackable {
		rows, err := tx.Query(ctx, `UPDATE "user" SET following = array_remove(following, $1) WHERE $1 = ANY(following) RETURNING id`, id.String())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var wid string
			if err = rows.Scan(&wid); err != nil {
				rows.Close()
				return nil, err
			}
			affected = append(affected, identity.ID(wid))
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	d.log.Info().Str("user", id.String()).Str("from", old).Str("to", string(role)).Msg("role changed")
	return identity.SortIDs(affected), nil
}

func (d *Directory) exists(ctx context.Context, id identity.ID) error {
	var one int
	err := d.db.QueryRow(ctx, `SELECT 1 FROM "user" WHERE id = $1`, id.String()).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.ErrUserNotFound
	}
	return err
}

// Delete removes the user row and strips it from every following set in
// the same transaction. Sessions and the latest location cascade.
func (d *Directory) Delete(ctx context.Context, id identity.ID) ([]identity.ID, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `DELETE FROM "user" WHERE id = $1`, id.String())
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		return nil, identity.ErrUserNotFound
	}
	rows, err := tx.Query(ctx, `UPDATE "user" SET following = array_remove(following, $1) WHERE $1 = ANY(following) RETURNING id`, id.String())
	if err != nil {
		return nil, err
	}
	affected := make([]identity.ID, 0)
	for rows.Next() {
		var wid string
		err = rows.Scan(&wid)
		if err != nil {
			rows.Close()
			return nil, err
		}
		affected = append(affected, identity.ID(wid))
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	err = tx.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return identity.SortIDs(affected), nil
}
