package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	domain "github.com/labvial/api/internal/domain"
)

type addressRepository struct {
	baseRepository
}

func (r *addressRepository) Insert(ctx context.Context, a domain.Address) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO addresses (id, user_id, name, line1, line2, city, state, postal_code, country, phone, email, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.UserID, a.Name, a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country, a.Phone, a.Email, a.CreatedAt)
	return WrapError("addresses.insert", err)
}

func (r *addressRepository) FindByID(ctx context.Context, addressID string) (domain.Address, error) {
	var a domain.Address
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, user_id, name, line1, line2, city, state, postal_code, country, phone, email, created_at
		   FROM addresses WHERE id = $1`, addressID,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.Line1, &a.Line2, &a.City, &a.State, &a.PostalCode, &a.Country,
		&a.Phone, &a.Email, &a.CreatedAt)
	if err != nil {
		return domain.Address{}, WrapError("addresses.find", err)
	}
	return a, nil
}

type userRepository struct {
	baseRepository
}

const userColumns = `id, email, name, organization_id, is_guest, created_at`

func (r *userRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	u, err := scanUser(r.q(ctx).QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return domain.User{}, WrapError("users.find", err)
	}
	return u, nil
}

// FindOrCreateGuest returns the account registered under the candidate's email, creating a guest
// account when none exists. Concurrent creates for one email converge on a single row.
func (r *userRepository) FindOrCreateGuest(ctx context.Context, candidate domain.User) (domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(candidate.Email))
	row := r.q(ctx).QueryRow(ctx,
		`WITH inserted AS (
		     INSERT INTO users (id, email, name, is_guest, created_at)
		     VALUES ($1, $2, $3, TRUE, $4)
		     ON CONFLICT ((lower(email))) DO NOTHING
		     RETURNING `+userColumns+`
		 )
		 SELECT `+userColumns+` FROM inserted
		 UNION ALL
		 SELECT `+userColumns+` FROM users WHERE lower(email) = $2
		 LIMIT 1`,
		candidate.ID, email, candidate.Name, candidate.CreatedAt)
	u, err := scanUser(row)
	if err != nil {
		return domain.User{}, WrapError("users.find_or_create_guest", err)
	}
	return u, nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		u     domain.User
		orgID pgtype.Text
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &orgID, &u.IsGuest, &u.CreatedAt); err != nil {
		return domain.User{}, err
	}
	if orgID.Valid {
		v := orgID.String
		u.OrganizationID = &v
	}
	return u, nil
}

type settingsRepository struct {
	baseRepository
}

func (r *settingsRepository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.q(ctx).Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, WrapError("settings.all", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, WrapError("settings.all", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError("settings.all", err)
	}
	return out, nil
}
