package device

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	NoisePublicKeySize    = 32
	NoisePrivateKeySize   = 32
	NoisePresharedKeySize = 32
)

type (
	NoisePublicKey    [NoisePublicKeySize]byte
	NoisePrivateKey   [NoisePrivateKeySize]byte
	NoisePresharedKey [NoisePresharedKeySize]byte
	NoiseNonce        uint64 // padded to 12-bytes
)

func hexToBytes(dst []byte, src string) error {
	slice, err := hex.DecodeString(src)
	if err != nil {
		return err
	}
	if len(slice) != len(dst) {
		return errors.New("hex string does not fit the slice")
	}
	copy(dst, slice)
	return nil
}

// Keys travel in configuration files as standard base64, the same
// encoding the wg tool uses.
func base64ToBytes(dst []byte, src []byte) error {
	var buf [64]byte
	if base64.StdEncoding.DecodedLen(len(src)) > len(buf) {
		return fmt.Errorf("key must decode to %d bytes", len(dst))
	}
	n, err := base64.StdEncoding.Decode(buf[:], src)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("key must decode to %d bytes", len(dst))
	}
	copy(dst, buf[:n])
	return nil
}

// Curve25519 private keys are clamped: the lower 3 bits are cleared so
// the scalar is a multiple of the cofactor, the top bit is cleared and
// the second-highest bit is set.
func (key *NoisePrivateKey) clamp() {
	key[0] &= 248
	key[31] = (key[31] & 127) | 64
}

func (key NoisePrivateKey) Equals(key2 NoisePrivateKey) bool {
	return subtle.ConstantTimeCompare(key[:], key2[:]) == 1
}

func (key NoisePrivateKey) IsZero() bool {
	var zero NoisePrivateKey
	return key.Equals(zero)
}

func (key *NoisePrivateKey) FromHex(src string) error {
	err := hexToBytes(key[:], src)
	key.clamp()
	return err
}

func (key *NoisePrivateKey) FromMaybeZeroHex(src string) error {
	err := hexToBytes(key[:], src)
	if key.IsZero() {
		return err
	}
	key.clamp()
	return err
}

// PublicKey derives the Curve25519 public key.
func (key NoisePrivateKey) PublicKey() NoisePublicKey {
	return key.publicKey()
}

func (key NoisePrivateKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(key[:])), nil
}

func (key *NoisePrivateKey) UnmarshalText(text []byte) error {
	if err := base64ToBytes(key[:], text); err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	key.clamp()
	return nil
}

func (key NoisePublicKey) Equals(key2 NoisePublicKey) bool {
	return subtle.ConstantTimeCompare(key[:], key2[:]) == 1
}

func (key NoisePublicKey) IsZero() bool {
	var zero NoisePublicKey
	return key.Equals(zero)
}

func (key *NoisePublicKey) FromHex(src string) error {
	return hexToBytes(key[:], src)
}

func (key NoisePublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(key[:])), nil
}

func (key *NoisePublicKey) UnmarshalText(text []byte) error {
	if err := base64ToBytes(key[:], text); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}

func (key NoisePublicKey) String() string {
	return base64.StdEncoding.EncodeToString(key[:])
}

func (key *NoisePresharedKey) FromHex(src string) error {
	return hexToBytes(key[:], src)
}

func (key NoisePresharedKey) IsZero() bool {
	var zero NoisePresharedKey
	return subtle.ConstantTimeCompare(key[:], zero[:]) == 1
}

func (key NoisePresharedKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(key[:])), nil
}

func (key *NoisePresharedKey) UnmarshalText(text []byte) error {
	if err := base64ToBytes(key[:], text); err != nil {
		return fmt.Errorf("invalid preshared key: %w", err)
	}
	return nil
}
