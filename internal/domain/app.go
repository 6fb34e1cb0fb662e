package domain

import "time"

// App is a registered application receiving live updates.
type App struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}
