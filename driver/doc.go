// Package driver implements the PV registry that sits between a
// Channel-Access-style protocol engine and application code.
//
// The engine calls Registry.Read, Registry.Write and Registry.Disconnect and
// receives committed updates through Subscribe callbacks. Applications attach
// Reader and Writer handlers at registration, post values with Registry.Post
// and finish deferred writes through Completions.
package driver
