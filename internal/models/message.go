package models

import (
	"strings"
	"time"
)

// SignalType represents the kind of handshake record exchanged through the
// rendezvous store.
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// SessionDescription is an offer or answer produced by the negotiation
// primitive.
type SessionDescription struct {
	Type SignalType `json:"type"`
	Body string     `json:"body"`
}

// Valid reports whether the description has both a type and a body.
func (d SessionDescription) Valid() bool {
	return (d.Type == SignalTypeOffer || d.Type == SignalTypeAnswer) && strings.TrimSpace(d.Body) != ""
}

// ICECandidate carries the fields of one trickled connectivity candidate.
// Candidate is mandatory; the rest are optional hints.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Valid reports whether the mandatory candidate line is present.
func (c ICECandidate) Valid() bool {
	return strings.TrimSpace(c.Candidate) != ""
}

// DescriptionRecord is the stored shape of an offer or answer.
type DescriptionRecord struct {
	SDP       SessionDescription `json:"sdp"`
	Sender    string             `json:"sender"`
	Target    string             `json:"target,omitempty"` // empty: any participant
	Timestamp int64              `json:"timestamp"`
}

// CandidateRecord is the stored shape of a trickled candidate.
type CandidateRecord struct {
	Candidate ICECandidate `json:"candidate"`
	Sender    string       `json:"sender"`
	Target    string       `json:"target,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// Millis converts t to the millisecond timestamps used in stored records.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
