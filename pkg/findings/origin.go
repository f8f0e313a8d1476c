package findings

import "time"

// OriginCandidate is one proposed origin address with the sources that
// produced it.
type OriginCandidate struct {
	IP       string   `json:"ip"`
	Sources  []string `json:"sources"`
	Evidence []string `json:"evidence,omitempty"`
	Verified bool     `json:"verified"`

	// Set during verification.
	DirectStatus int    `json:"direct_status,omitempty"`
	LengthDelta  int    `json:"length_delta,omitempty"`
	Organization string `json:"organization,omitempty"`
	NetworkName  string `json:"network_name,omitempty"`
}

// OriginResult is the outcome of origin discovery for one target.
type OriginResult struct {
	Target     string            `json:"target"`
	Verified   []OriginCandidate `json:"verified"`
	Unverified []OriginCandidate `json:"unverified"`
	Filtered   []string          `json:"filtered,omitempty"`
	Completed  time.Time         `json:"completed"`
}

// SetOrigin attaches the origin discovery result.
func (a *Aggregate) SetOrigin(r *OriginResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.origin = r
}

// Origin returns the attached origin result, or nil.
func (a *Aggregate) Origin() *OriginResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.origin
}
