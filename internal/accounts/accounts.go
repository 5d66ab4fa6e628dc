// Package accounts stores the logins a schedule owner books with.
package accounts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/slotwatch/internal/crypto"
	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/orchestrator"
)

type Account struct {
	ID          int64
	OwnerChatID string
	Label       string
	Login       string
	Active      bool
	CreatedAt   time.Time
}

type Repo struct {
	db     *db.DB
	sealer *crypto.Sealer
}

func NewRepo(d *db.DB, s *crypto.Sealer) *Repo { return &Repo{db: d, sealer: s} }

// aad binds a sealed secret to its owner and label.
func aad(owner, label string) string { return owner + "/" + label }

func validate(owner, label, login, secret string) error {
	switch {
	case strings.TrimSpace(owner) == "":
		return fmt.Errorf("owner chat id required")
	case strings.TrimSpace(label) == "":
		return fmt.Errorf("label required")
	case strings.TrimSpace(login) == "":
		return fmt.Errorf("login required")
	case secret == "":
		return fmt.Errorf("secret required")
	}
	return nil
}

func (r *Repo) Create(ctx context.Context, owner, label, login, secret string) (int64, error) {
	if err := validate(owner, label, login, secret); err != nil {
		return 0, err
	}
	sealed, err := r.sealer.Seal(secret, aad(owner, label))
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRow(ctx, `
INSERT INTO accounts(owner_chat_id,label,login,secret_sealed)
VALUES ($1,$2,$3,$4)
RETURNING id`, owner, label, login, sealed).Scan(&id)
	return id, db.WrapNotFound(err)
}

// List returns accounts without secrets. An empty owner lists everyone's.
func (r *Repo) List(ctx context.Context, owner string) ([]Account, error) {
	rows, err := r.db.Query(ctx, `
SELECT id,owner_chat_id,label,login,active,created_at
FROM accounts
WHERE $1='' OR owner_chat_id=$1
ORDER BY owner_chat_id, label`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.OwnerChatID, &a.Label, &a.Login, &a.Active, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListEligible returns the owner's active accounts with secrets opened,
// in a stable order.
func (r *Repo) ListEligible(ctx context.Context, owner string) ([]orchestrator.Account, error) {
	rows, err := r.db.Query(ctx, `
SELECT id,label,login,secret_sealed
FROM accounts
WHERE owner_chat_id=$1 AND active
ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orchestrator.Account
	for rows.Next() {
		var (
			a      orchestrator.Account
			sealed string
		)
		if err := rows.Scan(&a.ID, &a.Label, &a.Login, &sealed); err != nil {
			return nil, err
		}
		if a.Secret, err = r.sealer.Open(sealed, aad(owner, a.Label)); err != nil {
			return nil, fmt.Errorf("accounts: open secret for %q: %w", a.Label, err)
		}
		a.Owner = owner
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repo) SetActive(ctx context.Context, id int64, active bool) error {
	return db.RequireAffected(r.db.Exec(ctx, `UPDATE accounts SET active=$2 WHERE id=$1`, id, active))
}
