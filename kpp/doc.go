// Package kpp implements the packet protocol spoken between the router and
// its organs.
//
// A Packet travels as one JSON object per line over an organ's standard I/O.
// Integrity is a SHA-256 digest over a canonical serialization of the payload
// only, so a router may rewrite ttl, priority and route.to on a copy without
// resealing it.
package kpp
