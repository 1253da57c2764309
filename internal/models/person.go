package models

// Person is a cast or crew member. NameID groups aliases of the same person.
type Person struct {
	PersonID string `json:"person_id"`
	Name     string `json:"name"`
	NameID   string `json:"name_id,omitempty"`
}

// CastCrew associates a person with a program.
type CastCrew struct {
	PersonID     string `json:"person_id"`
	ProgramID    string `json:"program_id"`
	BillingOrder string `json:"billing_order"`
	Role         string `json:"role"`
}
