// Package gwtypes holds the data model shared by every gateway component:
// server configuration, the auth-mode union, OAuth-persisted state,
// aggregated capability descriptors, and the error kinds the core surfaces.
// It depends on nothing else in this module so that gwstore, gwauth,
// gwupstream, gwcore, and gwproxy can each depend on it without forming a
// cycle.
package gwtypes
