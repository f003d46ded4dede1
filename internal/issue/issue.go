// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// BuildError is an error with context for user-facing failure reports.
	// It records what operation failed, which file or artifact was involved,
	// and suggestions for how to recover.
	//
	// Use the Context builder for convenient construction:
	//
	//	err := issue.NewContext().
	//		WithOperation("load project manifest").
	//		WithResource("./relkit.toml").
	//		WithSuggestion("Run 'relkit init' to create one").
	//		Wrap(originalErr).
	//		Build()
	BuildError struct {
		// Operation describes what was being attempted (e.g., "rewrite shebang", "write archive").
		Operation string

		// Resource identifies the file, directory, or artifact involved (optional).
		Resource string

		// Suggestions provides hints on how to fix the issue (optional).
		Suggestions []string

		// Cause is the underlying error that triggered this error (optional).
		Cause error
	}

	// Context is a builder for constructing BuildError instances incrementally.
	// A Context can be created early — when an operation starts — and completed
	// with Wrap/Build at the failure site.
	Context struct {
		operation   string
		resource    string
		suggestions []string
		cause       error
	}
)

// NewContext creates a new Context builder.
func NewContext() *Context {
	return &Context{}
}

// Wrap wraps an error with operation context. Shorthand for the common
// one-line wrapping pattern; returns nil when err is nil so it can be used
// directly in return statements.
func Wrap(err error, operation string) *BuildError {
	if err == nil {
		return nil
	}
	return &BuildError{
		Operation: operation,
		Cause:     err,
	}
}

// WrapResource wraps an error with operation and resource context.
func WrapResource(err error, operation, resource string) *BuildError {
	if err == nil {
		return nil
	}
	return &BuildError{
		Operation: operation,
		Resource:  resource,
		Cause:     err,
	}
}

// Error implements the error interface.
// Returns a concise message suitable for default (non-verbose) output.
func (e *BuildError) Error() string {
	var msg strings.Builder

	msg.WriteString("failed to ")
	msg.WriteString(e.Operation)

	if e.Resource != "" {
		msg.WriteString(": ")
		msg.WriteString(e.Resource)
	}

	if e.Cause != nil {
		msg.WriteString(": ")
		msg.WriteString(e.Cause.Error())
	}

	return msg.String()
}

// Unwrap returns the underlying cause for use with errors.Is/As.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// Format returns the error message with suggestions appended, and — in
// verbose mode — the full error chain.
func (e *BuildError) Format(verbose bool) string {
	var msg strings.Builder

	msg.WriteString(e.Error())

	if len(e.Suggestions) > 0 {
		msg.WriteString("\n")
		for _, suggestion := range e.Suggestions {
			msg.WriteString("\n  • ")
			msg.WriteString(suggestion)
		}
	}

	if verbose && e.Cause != nil {
		msg.WriteString("\n\nError chain:")
		err := e.Cause
		depth := 1
		for err != nil {
			fmt.Fprintf(&msg, "\n  %d. %s", depth, err.Error())
			err = errors.Unwrap(err)
			depth++
		}
	}

	return msg.String()
}

// HasSuggestions returns true if the error carries any suggestions.
func (e *BuildError) HasSuggestions() bool {
	return len(e.Suggestions) > 0
}

// WithOperation sets the operation being performed.
// The operation should be a verb phrase like "probe environment" or "write archive".
func (c *Context) WithOperation(op string) *Context {
	c.operation = op
	return c
}

// WithResource sets the file, directory, or artifact involved.
func (c *Context) WithResource(res string) *Context {
	c.resource = res
	return c
}

// WithSuggestion adds a recovery hint. Can be called multiple times.
func (c *Context) WithSuggestion(sug string) *Context {
	c.suggestions = append(c.suggestions, sug)
	return c
}

// Wrap sets the underlying cause.
func (c *Context) Wrap(err error) *Context {
	c.cause = err
	return c
}

// Build creates a BuildError from the context.
// Returns nil if no operation is set (operation is required).
func (c *Context) Build() *BuildError {
	if c.operation == "" {
		return nil
	}

	return &BuildError{
		Operation:   c.operation,
		Resource:    c.resource,
		Suggestions: c.suggestions,
		Cause:       c.cause,
	}
}
