package state

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

type aeadCipher = cipher.AEAD

// seal encrypts blob with a random nonce prepended. The name is bound as
// associated data so a value copied under another key fails to open.
func (s *State) seal(name string, blob []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(blob)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, storageErr("generating nonce", err)
	}

	return s.aead.Seal(nonce, nonce, blob, []byte(name)), nil
}

func (s *State) open(name string, sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, storageErr("opening "+name, fmt.Errorf("sealed value too short (%d bytes)", len(sealed)))
	}

	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(name))
	if err != nil {
		return nil, storageErr("opening "+name, err)
	}

	return plain, nil
}
