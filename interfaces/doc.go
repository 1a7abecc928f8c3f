// Package interfaces defines the core types and contracts of the funcbox
// runtime. It is the boundary between the request execution pipeline and its
// external collaborators (route source, key store, secret store) and carries
// no implementation beyond validation helpers.
package interfaces
