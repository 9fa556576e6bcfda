package types

// Event is the canonical payload shape for settlement events: a type tag and
// a flat string attribute map, stable for off-process reconciliation.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
