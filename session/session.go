// Package session exposes the signed-in identity used to attribute reports.
package session

import (
	"sonic-sentinel/models"
	"sonic-sentinel/utils"
)

type Provider interface {
	CurrentUser() (*models.User, bool)
	AuthToken() string
}

// Static is a fixed identity, typically taken from the environment.
type Static struct {
	User  *models.User
	Token string
}

func (s Static) CurrentUser() (*models.User, bool) {
	if s.User == nil || s.User.ID == "" {
		return nil, false
	}
	u := *s.User
	return &u, true
}

func (s Static) AuthToken() string { return s.Token }

// Anonymous has no identity; reports are not submitted.
var Anonymous Provider = Static{}

// FromEnv reads SENTINEL_USER and SENTINEL_AUTH_TOKEN.
func FromEnv() Provider {
	id := utils.GetEnv("SENTINEL_USER")
	if id == "" {
		return Anonymous
	}
	return Static{
		User:  &models.User{ID: id, Username: id},
		Token: utils.GetEnv("SENTINEL_AUTH_TOKEN"),
	}
}
