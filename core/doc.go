// Package core implements the packet router at the center of nexus.
//
// The router owns the organ registry. Every packet, whether submitted from
// outside or emitted by an organ, passes through Ingest: integrity check,
// privilege check, levitation of low-gravity packets, then admission through
// the scheduler before hand-off to the destination organ. Failures are fed
// to the antibody detector, whose remedies are published on the signal bus.
//
// Periodic homeostasis sweeps kill organs that stopped answering so their
// supervisors resurrect them, and heartbeat every organ.
package core
