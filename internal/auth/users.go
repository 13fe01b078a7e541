package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// User is an account allowed to call the backup API.
type User struct {
	Username     string
	PasswordHash []byte
	Admin        bool
}

func (u User) role() string {
	if u.Admin {
		return RoleAdmin
	}
	return "user"
}

// Users checks basic-auth credentials against bcrypt hashes.
type Users struct {
	users map[string]User
	dummy []byte
}

func NewUsers(users ...User) *Users {
	us := &Users{users: make(map[string]User, len(users))}
	for _, u := range users {
		us.users[strings.ToLower(u.Username)] = u
	}
	// compared against for unknown usernames
	dummy, err := bcrypt.GenerateFromPassword([]byte("unknown-user"), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("auth: hash placeholder password: %v", err))
	}
	us.dummy = dummy
	return us
}

// ParseUsers reads a comma separated list of name:bcrypt-hash[:admin] entries.
func ParseUsers(spec string) (*Users, error) {
	var users []User
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid user entry %q: want name:hash[:admin]", item)
		}
		if _, err := bcrypt.Cost([]byte(parts[1])); err != nil {
			return nil, fmt.Errorf("user %q: %w", parts[0], err)
		}
		u := User{Username: parts[0], PasswordHash: []byte(parts[1])}
		if len(parts) == 3 {
			if parts[2] != RoleAdmin {
				return nil, fmt.Errorf("user %q: unknown role %q", parts[0], parts[2])
			}
			u.Admin = true
		}
		users = append(users, u)
	}
	return NewUsers(users...), nil
}

// HashPassword returns the bcrypt hash used in user entries.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// Authenticate returns the caller's AuthContext when the credentials match.
// Usernames are case-insensitive.
func (us *Users) Authenticate(username, password string) (AuthContext, bool) {
	u, ok := us.users[strings.ToLower(username)]
	if !ok {
		bcrypt.CompareHashAndPassword(us.dummy, []byte(password))
		return AuthContext{}, false
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return AuthContext{}, false
	}
	return AuthContext{Username: u.Username, Role: u.role()}, true
}

func (us *Users) Len() int {
	return len(us.users)
}
