package tracker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the subscription or destination does not exist.
	ErrNotFound = errors.New("subscription not found")

	// ErrAlreadySubscribed indicates the channel is already announced at the destination.
	ErrAlreadySubscribed = errors.New("subscription already exists")

	// ErrUnknownOption indicates an option type the setter does not handle.
	ErrUnknownOption = errors.New("unknown option")
)

// ResolutionError indicates user input could not be mapped to a channel ID.
type ResolutionError struct {
	Input string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("input %q is not a valid YouTube channel, video, or playlist", e.Input)
}

// PermissionError indicates the bot lacks a capability on a destination.
type PermissionError struct {
	Destination string
	Capability  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("missing %s permission in %s", e.Capability, e.Destination)
}

// TemplateError indicates a custom message uses a placeholder that is not recognized.
type TemplateError struct {
	Placeholder string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("unknown placeholder {%s}", e.Placeholder)
}

// IsResolutionError checks if an error is a ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// IsPermissionError checks if an error is a PermissionError.
func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// IsTemplateError checks if an error is a TemplateError.
func IsTemplateError(err error) bool {
	var te *TemplateError
	return errors.As(err, &te)
}
