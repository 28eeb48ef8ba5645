// Package domain contains the core entities and closed enumerations shared
// across the dispatch subsystem: tenants, leads, assignments, campaigns,
// resources, activities, suppressions, conversations, and learned patterns.
//
// Types here carry no behavior beyond simple derivations. Persistence and
// business logic live in internal/store and the engine packages.
package domain
