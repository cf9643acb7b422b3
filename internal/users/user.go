package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 75
	minPasswordLength = 8
	// bcrypt ignores everything past 72 bytes.
	maxPasswordBytes = 72
)

var (
	// ErrInvalidInput indicates malformed registration or login input.
	ErrInvalidInput = errors.New("users: invalid input")
	// ErrUserNotFound indicates no account exists for the supplied username or id.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrDuplicateUser indicates the username is already registered.
	ErrDuplicateUser = errors.New("users: username already exists")
	// ErrInvalidCredentials indicates the password did not match.
	ErrInvalidCredentials = errors.New("users: password is incorrect")
)

// User is a registered account.
type User struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	Username     string    `gorm:"column:username;size:75;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password;size:255;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// PublicUser is the account view safe to return to clients.
type PublicUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Public strips the password hash.
func (u User) Public() PublicUser {
	return PublicUser{ID: u.ID, Username: u.Username}
}

// Credentials carries a username/password pair.
type Credentials struct {
	Username string
	Password string
}

// Validate enforces the account input rules shared by register and login.
func (c Credentials) Validate() (Credentials, error) {
	username := normalize(c.Username)
	length := utf8.RuneCountInString(username)
	if length < minUsernameLength || length > maxUsernameLength {
		return Credentials{}, fmt.Errorf("%w: username must be between %d and %d characters", ErrInvalidInput, minUsernameLength, maxUsernameLength)
	}
	if utf8.RuneCountInString(c.Password) < minPasswordLength {
		return Credentials{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(c.Password) > maxPasswordBytes {
		return Credentials{}, fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordBytes)
	}
	return Credentials{Username: username, Password: c.Password}, nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
