// LocalSaver encrypts the relay API key and the shared chat secret and writes
// the result to a local file (see: SaveCredentials()), so neither has to be
// passed on the command line of every invocation.
//
// It also decrypts a value from that file and returns the parsed API key and
// secret (see: GetCredentials()). The stored value is presented as
// "${len(apiKey)}${apiKey}${len(secret)}${secret}".
package credstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

type Crypto interface {
	Encrypt([]byte) []byte
	Decrypt([]byte) ([]byte, error)
}

type LocalSaver struct {
	cfg LocalSaverConfig

	crypto Crypto
}

type LocalSaverConfig struct {
	CredentialFile string
}

func NewLocalSaver(cfg LocalSaverConfig, crypto Crypto) *LocalSaver {
	return &LocalSaver{
		cfg:    cfg,
		crypto: crypto,
	}
}

func (m *LocalSaver) SaveCredentials(apiKey, secret string) error {
	buf := &bytes.Buffer{}

	if err := m.writeField(buf, apiKey); err != nil {
		return err
	}

	if err := m.writeField(buf, secret); err != nil {
		return err
	}

	payload, err := io.ReadAll(buf)
	if err != nil {
		return err
	}

	encrypted := m.crypto.Encrypt(payload)

	return os.WriteFile(m.cfg.CredentialFile, encrypted, 0600)
}

func (m *LocalSaver) GetCredentials() (apiKey, secret string, err error) {
	payload, err := os.ReadFile(m.cfg.CredentialFile)
	if err != nil {
		return "", "", err
	}

	decrypted, err := m.crypto.Decrypt(payload)
	if err != nil {
		return "", "", err
	}

	buf := bytes.NewBuffer(decrypted)

	apiKey, err = m.readField(buf)
	if err != nil {
		return "", "", err
	}

	secret, err = m.readField(buf)
	if err != nil {
		return "", "", err
	}

	return apiKey, secret, nil
}

func (m *LocalSaver) writeField(w io.Writer, field string) error {
	b := []byte(field)
	length := uint8(len(b))

	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return err
	}

	return binary.Write(w, binary.BigEndian, b)
}

func (m *LocalSaver) readField(r io.Reader) (string, error) {
	var length uint8

	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}

	b := make([]byte, length)

	if err := binary.Read(r, binary.BigEndian, b); err != nil {
		return "", err
	}

	return string(b), nil
}
