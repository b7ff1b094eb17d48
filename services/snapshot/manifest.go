package snapshot

import (
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// Manifest is the signed header of a snapshot archive.
type Manifest struct {
	Version          string    `yaml:"version"`
	CreatedAt        time.Time `yaml:"created_at"`
	Class            string    `yaml:"class"`
	Signer           string    `yaml:"signer,omitempty"`
	SigningPublicKey string    `yaml:"signing_public_key,omitempty"`
	Signature        string    `yaml:"signature,omitempty"`
	Records          int       `yaml:"records"`
	Objects          File      `yaml:"objects"`
}

// File describes one payload file inside the archive.
type File struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}
