// Package domain contains call entities and wire types without transport or lifecycle logic.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxMemberIDLen = 64
	MaxChatIDLen   = 64
)

var (
	ErrEmptyID   = errors.New("id empty")
	ErrIDTooLong = errors.New("id too long")
)

type (
	SessionID string
	ChatID    string
	MemberID  string
)

// NewSessionID assigns a fresh opaque session id.
func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

func (s SessionID) String() string { return string(s) }
func (c ChatID) String() string    { return string(c) }
func (m MemberID) String() string  { return string(m) }

// ValidateMemberID rejects ids the directory and relay would not accept.
func ValidateMemberID(id MemberID) error {
	return validateID(string(id), MaxMemberIDLen)
}

func ValidateChatID(id ChatID) error {
	return validateID(string(id), MaxChatIDLen)
}

func validateID(s string, max int) error {
	if len(s) == 0 {
		return ErrEmptyID
	}
	if len(s) > max {
		return ErrIDTooLong
	}
	return nil
}
