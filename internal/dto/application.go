package dto

// Submission is an inbound community-space application from the public form.
type Submission struct {
	Name        string            `json:"name" validate:"required"`
	Schema      string            `json:"schema" validate:"required"`
	Pubkey      string            `json:"pubkey" validate:"required"`
	Description string            `json:"description" validate:"required"`
	Image       string            `json:"image"`
	Metadata    map[string]string `json:"metadata" validate:"required"`
	Payment     string            `json:"payment"`
}

// TransitionParams drives an approve or reject transition.
type TransitionParams struct {
	Schema  string
	Message string
}
