// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFeed signals a response that is not well-formed XML.
	ErrMalformedFeed = errors.New("malformed indexer feed")
	// ErrNotRSS signals a well-formed document whose root is neither <rss> nor <error>.
	ErrNotRSS = errors.New("indexer response is not rss")
)

// FaultKind enumerates the indexer-reported faults we know how to act on.
type FaultKind int

const (
	FaultUnknown FaultKind = iota
	FaultInvalidAPIKey
	FaultAccountSuspended
	FaultAccountNotAPIAuthorized
)

func (k FaultKind) String() string {
	switch k {
	case FaultInvalidAPIKey:
		return "invalid_api_key"
	case FaultAccountSuspended:
		return "account_suspended"
	case FaultAccountNotAPIAuthorized:
		return "account_not_api_authorized"
	default:
		return "unknown"
	}
}

// Fault is an <error code="..." description="..."> reported by an indexer.
type Fault struct {
	Kind        FaultKind
	Code        string
	Description string
}

// Known reports whether the fault is one of the authentication class faults.
func (f Fault) Known() bool {
	return f.Kind != FaultUnknown
}

// faultsByCode is the complete set of codes that interrupt a search.
// Anything missing from this table classifies as FaultUnknown.
var faultsByCode = map[string]FaultKind{
	"100": FaultInvalidAPIKey,
	"101": FaultAccountSuspended,
	"102": FaultAccountNotAPIAuthorized,
}

// ClassifyFault maps a newznab error code onto a Fault.
func ClassifyFault(code, description string) Fault {
	kind, ok := faultsByCode[code]
	if !ok {
		kind = FaultUnknown
	}
	return Fault{Kind: kind, Code: code, Description: description}
}

// Sentinels usable with errors.Is against an *IndexerFault.
var (
	ErrInvalidAPIKey           = &IndexerFault{Fault: Fault{Kind: FaultInvalidAPIKey, Code: "100"}}
	ErrAccountSuspended        = &IndexerFault{Fault: Fault{Kind: FaultAccountSuspended, Code: "101"}}
	ErrAccountNotAPIAuthorized = &IndexerFault{Fault: Fault{Kind: FaultAccountNotAPIAuthorized, Code: "102"}}
)

// IndexerFault is returned when an indexer rejects our credentials or account.
// The message is meant to be shown to the user as-is.
type IndexerFault struct {
	Provider string
	Fault    Fault
}

func (e *IndexerFault) Error() string {
	switch e.Fault.Kind {
	case FaultInvalidAPIKey:
		return fmt.Sprintf("Your API key for %s is incorrect, check your config.", e.Provider)
	case FaultAccountSuspended:
		return fmt.Sprintf("Your account on %s has been suspended, contact the administrator.", e.Provider)
	case FaultAccountNotAPIAuthorized:
		return fmt.Sprintf("Your account isn't allowed to use the API on %s, contact the administrator.", e.Provider)
	default:
		return fmt.Sprintf("Unknown error given from %s: %s (code %s)", e.Provider, e.Fault.Description, e.Fault.Code)
	}
}

// Is matches any *IndexerFault when the target carries no kind, otherwise
// only faults of the same kind.
func (e *IndexerFault) Is(target error) bool {
	t, ok := target.(*IndexerFault)
	if !ok || t == nil {
		return false
	}
	if t.Fault.Kind == FaultUnknown && t.Fault.Code == "" {
		return true
	}
	return t.Fault.Kind == e.Fault.Kind
}

// AsIndexerFault extracts an *IndexerFault from err.
func AsIndexerFault(err error) (*IndexerFault, bool) {
	var fault *IndexerFault
	if errors.As(err, &fault) {
		return fault, true
	}
	return nil, false
}
