// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable policy points of the chat
// service: authentication, authorization, auditing, and message filtering.
//
// Every interface ships a Nop implementation so that a local deployment runs
// with no configuration.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(tokenProvider).
//	    WithAudit(extensions.NewSlogAuditLogger(logger))
//	svc, err := orchestrator.New(cfg, &opts)
package extensions

// ServiceOptions bundles the extension implementations.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens. Default: NopAuthProvider
	AuthProvider AuthProvider

	// AuthzProvider authorizes actions. Default: NopAuthzProvider
	AuthzProvider AuthzProvider

	// AuditLogger records chat actions. Default: NopAuditLogger
	AuditLogger AuditLogger

	// MessageFilter screens user input and search context.
	// Default: NopMessageFilter
	MessageFilter MessageFilter
}

// DefaultOptions returns options with every Nop implementation.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
		MessageFilter: &NopMessageFilter{},
	}
}

// WithAuth returns a copy with the auth provider replaced.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy with the authz provider replaced.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy with the audit logger replaced.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithFilter returns a copy with the message filter replaced.
func (opts ServiceOptions) WithFilter(filter MessageFilter) ServiceOptions {
	opts.MessageFilter = filter
	return opts
}

// Normalized fills nil fields with Nop implementations.
func (opts ServiceOptions) Normalized() ServiceOptions {
	def := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = def.AuthProvider
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = def.AuthzProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = def.AuditLogger
	}
	if opts.MessageFilter == nil {
		opts.MessageFilter = def.MessageFilter
	}
	return opts
}
