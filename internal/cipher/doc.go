// Package cipher seals and opens session payloads.
//
// A session is bound to one Material (32-byte key plus Variant) for its whole
// life. Two constructions are supported:
//   - legacy: NaCl secretbox with the 24-byte nonce prepended
//   - dataKey: a zero version byte, a 24-byte nonce, then XChaCha20-Poly1305
//
// Every failure on the open path is returned as *DecryptError so callers can
// classify malformed inbound traffic without string matching.
package cipher
