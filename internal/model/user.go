package model

import "time"

type Role string

const (
	RoleHelper   Role = "helper"
	RoleProvider Role = "provider"
)

type User struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	DisplayName    string     `json:"display_name"`
	Role           Role       `json:"role"`
	CreditsBalance int64      `json:"credits_balance"`
	AvatarURL      string     `json:"avatar_url"`
	Rating         float64    `json:"rating"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	IsOnline       bool       `json:"is_online"`
	CreatedAt      time.Time  `json:"created_at"`
	DisabledAt     *time.Time `json:"-"` // не null = пользователь отключён, не может войти
}

type UserPublic struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	AvatarURL   string    `json:"avatar_url"`
	Rating      float64   `json:"rating"`
	IsOnline    bool      `json:"is_online"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		AvatarURL:   u.AvatarURL,
		Rating:      u.Rating,
		IsOnline:    u.IsOnline,
		LastSeenAt:  u.LastSeenAt,
	}
}
