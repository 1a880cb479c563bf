package functions

import "time"

// Function is a registered, independently deployable code unit.
type Function struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Name      string    `gorm:"size:255;uniqueIndex;not null" json:"name"`
	CodePath  string    `gorm:"not null" json:"code_path"` // Directory holding the unpacked unit
	IsActive  bool      `gorm:"not null;default:false" json:"is_active"`
	Revision  int       `gorm:"not null;default:0" json:"revision"` // Bumped on every deployment
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Targets are the caller-supplied callback endpoints of one invocation.
type Targets struct {
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_error,omitempty"`
}

// URLFor returns the endpoint matching the outcome polarity, or "" when none was given.
func (t Targets) URLFor(o *Outcome) string {
	if o == nil {
		return ""
	}
	if o.Succeeded() {
		return t.OnSuccess
	}
	return t.OnFailure
}
