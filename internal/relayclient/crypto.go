package relayclient

import "github.com/hoshizora-mesh/filemesh/internal/security"

// encryptWhole seals an entire file under a symmetric key known to sender
// and recipient, the "optionally client-side-encrypt the whole file"
// option of spec §4.7. It reuses the chunk AEAD helper since a whole file
// is just a single oversized chunk from the cipher's point of view.
func encryptWhole(key, plain []byte) ([]byte, error) {
	return security.EncryptChunk(key, plain)
}

func decryptWhole(key, ciphertext []byte) ([]byte, error) {
	return security.DecryptChunk(key, ciphertext)
}
