package provider

import (
	"errors"

	"ShareLink/internal/attest"
	"ShareLink/internal/hooks"
	"ShareLink/internal/pending"
)

var (
	// ErrInvalidArgument reports a request rejected before any state was created.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrHookRejected reports a request vetoed by the outgoing hook pipeline.
	ErrHookRejected = hooks.ErrRejected

	// ErrSendFailed reports a transport failure; the pending entry was removed.
	ErrSendFailed = errors.New("send to provider failed")

	// ErrUnmatchedResponse reports a response for an identifier never requested.
	ErrUnmatchedResponse = pending.ErrUnmatchedResponse

	// ErrDuplicateResolution reports a second response for a resolved identifier.
	ErrDuplicateResolution = pending.ErrDuplicateResolution

	// ErrMalformedResponse reports a response that could not be decoded or
	// whose payload contradicts its envelope.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrBadSignature reports a response whose provider signature did not verify.
	ErrBadSignature = attest.ErrBadSignature
)
