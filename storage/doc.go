// Package storage provides concrete route, key and secret stores behind
// the interfaces contracts, selected by URI.
//
// Supported URI schemes:
//
//   - file:///var/lib/funcbox/store/ — JSON documents on the local file
//     system; serves as route source, key store and secret store.
//   - vault://vault.example.com:8200/secret/funcbox — secret store on
//     HashiCorp Vault KV v2.
//   - s3://bucket/routes.json?region=us-west-2&endpoint=custom.s3.com —
//     route source reading a single routes document, with ETag-based
//     change detection.
//
// The dispatcher only ever sees the narrow interfaces; backends are
// interchangeable per concern.
package storage
