// Package types defines the shared data structures of the system array framework.
//
// This package contains:
//   - the Invoke message, the wire unit exchanged between peers
//   - typed Invoke parameters and the JSON wire codec
//   - the protocol error taxonomy shared by every layer
package types
