package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"warden.org/internal/auth"
	"warden.org/internal/obs"
)

// File is the operator provisioning document.
type File struct {
	Operators []Operator `yaml:"operators"`
}

// Operator describes one desired account. Password may be given inline or,
// preferably, through the environment variable named by PasswordEnv.
type Operator struct {
	Email               string `yaml:"email"`
	Password            string `yaml:"password"`
	PasswordEnv         string `yaml:"password_env"`
	Role                string `yaml:"role"`
	ForcePasswordChange *bool  `yaml:"force_password_change"`
	Active              *bool  `yaml:"active"`
}

func (o Operator) active() bool { return o.Active == nil || *o.Active }

// forceChange defaults to true so seeded passwords are replaced on first login.
func (o Operator) forceChange() bool {
	return o.ForcePasswordChange == nil || *o.ForcePasswordChange
}

// Provisioner is the part of the session manager the seeder drives.
type Provisioner interface {
	LookupOperator(ctx context.Context, email string) (auth.Operator, error)
	Provision(ctx context.Context, req auth.ProvisionRequest) (auth.Operator, error)
	Deactivate(ctx context.Context, operatorID string) error
}

// Report counts what Apply did.
type Report struct {
	Provisioned int `json:"provisioned"`
	Deactivated int `json:"deactivated"`
	Unchanged   int `json:"unchanged"`
}

// Parse decodes a seed document, rejecting unknown fields.
func Parse(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("seed: decode: %w", err)
	}
	seen := make(map[string]bool, len(f.Operators))
	for i, op := range f.Operators {
		email := auth.NormalizeEmail(op.Email)
		if email == "" {
			return File{}, fmt.Errorf("seed: operators[%d]: email is required", i)
		}
		if seen[email] {
			return File{}, fmt.Errorf("seed: operators[%d]: duplicate email %s", i, email)
		}
		seen[email] = true
	}
	return f, nil
}

// Load reads and parses the seed file at path.
func Load(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer fh.Close()
	return Parse(fh)
}

// Apply makes the operator table match the document. Existing accounts are
// never modified except to deactivate them; passwords are only set on create.
func Apply(ctx context.Context, p Provisioner, f File, getenv func(string) string) (Report, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	var rep Report
	for _, want := range f.Operators {
		email := auth.NormalizeEmail(want.Email)
		existing, err := p.LookupOperator(ctx, email)
		switch {
		case errors.Is(err, auth.ErrNotFound):
			if !want.active() {
				rep.Unchanged++
				continue
			}
			password := want.Password
			if want.PasswordEnv != "" {
				password = getenv(want.PasswordEnv)
			}
			if strings.TrimSpace(password) == "" {
				return rep, fmt.Errorf("seed: %s: no password provided", email)
			}
			op, err := p.Provision(ctx, auth.ProvisionRequest{
				Email:               email,
				Password:            password,
				Role:                want.Role,
				ForcePasswordChange: want.forceChange(),
			})
			if err != nil {
				return rep, fmt.Errorf("seed: provision %s: %w", email, err)
			}
			obs.Info("operator provisioned", map[string]any{"operator_id": op.ID, "email": email})
			rep.Provisioned++
		case err != nil:
			return rep, fmt.Errorf("seed: lookup %s: %w", email, err)
		case existing.Active && !want.active():
			if err := p.Deactivate(ctx, existing.ID); err != nil {
				return rep, fmt.Errorf("seed: deactivate %s: %w", email, err)
			}
			obs.Info("operator deactivated", map[string]any{"operator_id": existing.ID, "email": email})
			rep.Deactivated++
		default:
			rep.Unchanged++
		}
	}
	return rep, nil
}
