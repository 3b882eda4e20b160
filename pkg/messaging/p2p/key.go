package p2p

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"

	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"

	"anti_vpn/pkg/utils"
)

// loadOrGenerateKey loads the host key from keyFile, creating and saving a
// new one when the file does not exist. An empty path yields an ephemeral key.
func loadOrGenerateKey(keyFile string) (libp2pCrypto.PrivKey, error) {
	if keyFile == "" {
		priv, _, err := libp2pCrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		return priv, nil
	}

	keyBytes, err := os.ReadFile(keyFile)
	if errors.Is(err, fs.ErrNotExist) {
		priv, _, err := libp2pCrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}

		keyBytes, err := libp2pCrypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		if err := utils.WriteFileAtomic(keyFile, keyBytes, 0600); err != nil {
			return nil, fmt.Errorf("failed to save key to file: %w", err)
		}
		return priv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	priv, err := libp2pCrypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
	}
	return priv, nil
}
