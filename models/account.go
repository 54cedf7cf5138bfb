package models

import "time"

type Account struct {
	ID        string
	Email     string
	CreatedAt time.Time
}
